package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/sofer/internal"
	"github.com/starford/sofer/internal/depgraph"
	"github.com/starford/sofer/internal/engine"
	"github.com/starford/sofer/internal/eval"
	"github.com/starford/sofer/internal/mcpserver"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/script"
	"github.com/starford/sofer/internal/sofer"
	"github.com/starford/sofer/internal/template"
	pkgconfig "github.com/starford/sofer/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

// readOutline loads an outline from path, or from stdin when path is "-".
func readOutline(path string) (*outline.Outline, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return sofer.Parse(data)
}

func writeOutline(path string, out *outline.Outline) error {
	data := sofer.Write(out)
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// runEval evaluates a file once and prints the tree with computed values.
func runEval(ctx context.Context, cmd *cli.Command) error {
	out, err := readOutline(cmd.String("file"))
	if err != nil {
		return err
	}

	ev := eval.New(out, depgraph.New(), script.NewLuaEngine(), eval.DefaultConfig(), slog.Default())
	res, err := ev.Evaluate(ctx)
	if err != nil {
		return err
	}

	if only := cmd.String("node"); only != "" {
		n, nerr := out.Node(outline.ID(only))
		if nerr != nil {
			return nerr
		}
		printNode(n, 0)
		return nil
	}

	var walk func(id outline.ID, depth int)
	walk = func(id outline.ID, depth int) {
		n, nerr := out.Node(id)
		if nerr != nil {
			return
		}
		printNode(n, depth)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	for _, root := range out.Roots() {
		walk(root, 0)
	}

	if len(res.CycleErrors) > 0 || len(res.ScriptErrors) > 0 {
		fmt.Fprintf(os.Stderr, "cycle errors: %d, script errors: %d\n",
			len(res.CycleErrors), len(res.ScriptErrors))
	}
	return nil
}

func printNode(n *outline.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch {
	case n.State == outline.StateCycleError || n.State == outline.StateScriptError:
		fmt.Printf("%s%s  [%s: %s]\n", indent, n.Text, n.State, n.EvalErr)
	case n.Computed != nil && n.Computed.Render() != n.Text:
		fmt.Printf("%s%s  = %s\n", indent, n.Text, n.Computed.Render())
	default:
		fmt.Printf("%s%s\n", indent, n.Text)
	}
}

// runExpand expands a template into the outline file and writes it back.
func runExpand(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("file")
	out, err := readOutline(path)
	if err != nil {
		return err
	}

	reg := template.NewRegistry()
	if err := reg.LoadFile(cmd.String("templates")); err != nil {
		return err
	}
	def, err := reg.Get(cmd.String("template"))
	if err != nil {
		return err
	}

	root, required, err := template.Expand(out, def, outline.ID(cmd.String("parent")), int(cmd.Int("position")))
	if err != nil {
		return err
	}
	if err := writeOutline(path, out); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "expanded %s as %s\n", def.ID, root)
	for _, r := range required {
		fmt.Fprintf(os.Stderr, "field awaiting value: %s.%s\n", r.Node, r.Key)
	}
	return nil
}

// runMCP serves the engine over MCP stdio for LLM clients.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Logs go to stderr; stdout belongs to the MCP transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))

	out := outline.New()
	if data, readErr := os.ReadFile(cfg.Outline.Path); readErr == nil {
		if out, err = sofer.Parse(data); err != nil {
			return err
		}
	}

	svc := engine.New(out, script.NewLuaEngine(), engine.Config{
		Eval: eval.Config{
			ScriptTimeout:     cfg.Eval.ScriptTimeout,
			MaxMutationRounds: cfg.Eval.MaxMutationRounds,
		},
		AutoEval: true,
	}, logger, nil)
	defer svc.Close()

	if cfg.Outline.Templates != "" {
		defs, defErr := template.LoadDefinitions(cfg.Outline.Templates)
		if defErr != nil {
			return defErr
		}
		for _, def := range defs {
			if err := svc.RegisterTemplate(ctx, def); err != nil {
				return err
			}
		}
	}

	return mcpserver.New(svc).ServeStdio()
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}
	fileFlag := &cli.StringFlag{
		Name:    "file",
		Aliases: []string{"f"},
		Usage:   "Outline file path ('-' for stdin)",
		Value:   "-",
	}

	cmd := &cli.Command{
		Name:   "sofer",
		Usage:  "Outline evaluation engine: an outliner whose nodes embed scripts over their descendants",
		Action: serve,
		Flags:  []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server with live evaluation",
				Action: serve,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:   "mcp",
				Usage:  "Serve the engine over MCP stdio",
				Action: runMCP,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:   "eval",
				Usage:  "Evaluate an outline file once and print computed values",
				Action: runEval,
				Flags: []cli.Flag{
					fileFlag,
					&cli.StringFlag{Name: "node", Usage: "Print only this node id"},
				},
			},
			{
				Name:  "id",
				Usage: "Node id utilities",
				Commands: []*cli.Command{
					{
						Name:  "new",
						Usage: "Print a fresh node id",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							fmt.Println(uuid.NewString())
							return nil
						},
					},
				},
			},
			{
				Name:   "expand",
				Usage:  "Expand a template into an outline file",
				Action: runExpand,
				Flags: []cli.Flag{
					fileFlag,
					&cli.StringFlag{Name: "templates", Usage: "Template definitions YAML", Required: true},
					&cli.StringFlag{Name: "template", Usage: "Template id to expand", Required: true},
					&cli.StringFlag{Name: "parent", Usage: "Parent node id (empty for a new root)"},
					&cli.IntFlag{Name: "position", Usage: "Sibling position", Value: 0},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
