// Package snapshot persists outlines to SQLite so an engine instance can be
// restored across restarts. It stores tree structure, metadata and cached
// computed values; dependency edges are derived state and are rebuilt on the
// first evaluation after a load.
package snapshot

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/sofer/internal/outline"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	id       TEXT PRIMARY KEY,
	parent   TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	text     TEXT NOT NULL DEFAULT '',
	computed_type  TEXT NOT NULL DEFAULT '',
	computed_value TEXT NOT NULL DEFAULT '',
	state    TEXT NOT NULL DEFAULT 'dirty',
	version  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS metadata (
	node  TEXT NOT NULL,
	key   TEXT NOT NULL,
	type  TEXT NOT NULL,
	value TEXT NOT NULL,
	UNIQUE(node, key)
);

CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent);
CREATE INDEX IF NOT EXISTS idx_metadata_node ON metadata(node);
`

// Store is the persistence interface the engine needs: faithful
// serialize/deserialize of tree and metadata.
type Store interface {
	Save(out *outline.Outline) error
	Load() (*outline.Outline, error)
	Close() error
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)

// DB wraps a sql.DB with snapshot operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the snapshot database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("snapshot: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("snapshot: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("snapshot: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Save replaces the stored snapshot with the given outline in one
// transaction.
func (db *DB) Save(out *outline.Outline) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.Exec(`DELETE FROM nodes`); err != nil {
		return fmt.Errorf("snapshot: clear nodes: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM metadata`); err != nil {
		return fmt.Errorf("snapshot: clear metadata: %w", err)
	}

	nodeStmt, err := tx.Prepare(`
		INSERT INTO nodes (id, parent, position, text, computed_type, computed_value, state, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	metaStmt, err := tx.Prepare(`INSERT INTO metadata (node, key, type, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: prepare metadata insert: %w", err)
	}
	defer metaStmt.Close()

	var save func(id outline.ID, pos int) error
	save = func(id outline.ID, pos int) error {
		n, nerr := out.Node(id)
		if nerr != nil {
			return nerr
		}
		ctype, cvalue := "", ""
		if n.Computed != nil {
			ctype, cvalue = string(n.Computed.Type), n.Computed.Encode()
		}
		if _, err := nodeStmt.Exec(string(n.ID), string(n.Parent), pos, n.Text, ctype, cvalue, string(n.State), n.Version); err != nil {
			return fmt.Errorf("snapshot: insert node %s: %w", n.ID, err)
		}
		for k, v := range n.Meta {
			if _, err := metaStmt.Exec(string(n.ID), k, string(v.Type), v.Encode()); err != nil {
				return fmt.Errorf("snapshot: insert metadata %s.%s: %w", n.ID, k, err)
			}
		}
		for i, c := range n.Children {
			if err := save(c, i); err != nil {
				return err
			}
		}
		return nil
	}
	for i, root := range out.Roots() {
		if err := save(root, i); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load rebuilds an outline from the stored snapshot. Node ids are preserved
// verbatim.
func (db *DB) Load() (*outline.Outline, error) {
	rows, err := db.conn.Query(`SELECT id, parent, position, text, computed_type, computed_value, state, version FROM nodes ORDER BY parent, position`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: query nodes: %w", err)
	}
	defer rows.Close()

	type stored struct {
		node *outline.Node
		pos  int
	}
	var all []stored
	for rows.Next() {
		var id, parent, text, ctype, cvalue, state string
		var pos int
		var version uint64
		if err := rows.Scan(&id, &parent, &pos, &text, &ctype, &cvalue, &state, &version); err != nil {
			return nil, fmt.Errorf("snapshot: scan node: %w", err)
		}
		n := &outline.Node{
			ID:      outline.ID(id),
			Parent:  outline.ID(parent),
			Text:    text,
			Meta:    make(map[string]outline.FieldValue),
			State:   outline.State(state),
			Version: version,
		}
		if ctype != "" {
			v, derr := outline.Decode(outline.FieldType(ctype), cvalue)
			if derr != nil {
				return nil, fmt.Errorf("snapshot: node %s computed: %w", id, derr)
			}
			n.Computed = &v
		}
		all = append(all, stored{node: n, pos: pos})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: iterate nodes: %w", err)
	}

	byID := make(map[outline.ID]*outline.Node, len(all))
	for _, s := range all {
		byID[s.node.ID] = s.node
	}
	// Rows arrive ordered by (parent, position), so appending children in row
	// order restores sibling order.
	for _, s := range all {
		if s.node.Parent == "" {
			continue
		}
		p, ok := byID[s.node.Parent]
		if !ok {
			return nil, fmt.Errorf("snapshot: node %s: missing parent %s", s.node.ID, s.node.Parent)
		}
		p.Children = append(p.Children, s.node.ID)
	}

	if err := db.loadMetadata(byID); err != nil {
		return nil, err
	}

	out := outline.New()
	for _, s := range all {
		if err := out.Adopt(s.node); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
	}
	if err := out.Seal(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return out, nil
}

func (db *DB) loadMetadata(byID map[outline.ID]*outline.Node) error {
	rows, err := db.conn.Query(`SELECT node, key, type, value FROM metadata`)
	if err != nil {
		return fmt.Errorf("snapshot: query metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var node, key, typ, value string
		if err := rows.Scan(&node, &key, &typ, &value); err != nil {
			return fmt.Errorf("snapshot: scan metadata: %w", err)
		}
		n, ok := byID[outline.ID(node)]
		if !ok {
			continue
		}
		v, derr := outline.Decode(outline.FieldType(typ), value)
		if derr != nil {
			return fmt.Errorf("snapshot: metadata %s.%s: %w", node, key, derr)
		}
		n.Meta[key] = v
	}
	return rows.Err()
}
