package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/starford/sofer/internal/apperr"
	"github.com/starford/sofer/internal/engine"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/template"
)

// Handler holds API route handlers.
type Handler struct {
	svc *engine.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *engine.Service) *Handler {
	return &Handler{svc: svc}
}

func nodeID(r *http.Request) outline.ID {
	return outline.ID(chi.URLParam(r, "id"))
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeErrorMsg(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrCycleRejected):
		writeErrorMsg(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperr.ErrClosed):
		writeErrorMsg(w, http.StatusServiceUnavailable, "shutting down")
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeErrorMsg(w, http.StatusInternalServerError, "internal error")
	}
}

// ListRoots handles GET /api/nodes.
func (h *Handler) ListRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := h.svc.Roots(r.Context())
	if err != nil {
		writeError(w, "list roots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": idStrings(roots)})
}

// CreateNode handles POST /api/nodes.
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	view, err := h.svc.CreateNode(r.Context(), outline.ID(req.Parent), req.Position)
	if err != nil {
		writeError(w, "create node", err)
		return
	}
	writeJSON(w, http.StatusCreated, nodeResponse(view))
}

// GetNode handles GET /api/nodes/{id}.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetNode(r.Context(), nodeID(r))
	if err != nil {
		writeError(w, "get node", err)
		return
	}
	writeJSON(w, http.StatusOK, nodeResponse(view))
}

// DeleteNode handles DELETE /api/nodes/{id}.
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteNode(r.Context(), nodeID(r)); err != nil {
		writeError(w, "delete node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveNode handles POST /api/nodes/{id}/move.
func (h *Handler) MoveNode(w http.ResponseWriter, r *http.Request) {
	var req MoveNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := nodeID(r)
	if err := h.svc.MoveNode(r.Context(), id, outline.ID(req.Parent), req.Position); err != nil {
		writeError(w, "move node", err)
		return
	}
	view, err := h.svc.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, "move node", err)
		return
	}
	writeJSON(w, http.StatusOK, nodeResponse(view))
}

// SetText handles PUT /api/nodes/{id}/text.
func (h *Handler) SetText(w http.ResponseWriter, r *http.Request) {
	var req SetTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := nodeID(r)
	if err := h.svc.SetText(r.Context(), id, req.Text); err != nil {
		writeError(w, "set text", err)
		return
	}
	view, err := h.svc.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, "set text", err)
		return
	}
	writeJSON(w, http.StatusOK, nodeResponse(view))
}

// SetField handles PUT /api/nodes/{id}/fields/{key}.
func (h *Handler) SetField(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req FieldDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	v, err := req.value()
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.SetField(r.Context(), nodeID(r), key, v); err != nil {
		writeError(w, "set field", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveField handles DELETE /api/nodes/{id}/fields/{key}.
func (h *Handler) RemoveField(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveField(r.Context(), nodeID(r), chi.URLParam(r, "key")); err != nil {
		writeError(w, "remove field", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Children handles GET /api/nodes/{id}/children.
func (h *Handler) Children(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Children(r.Context(), nodeID(r))
	if err != nil {
		writeError(w, "children", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": idStrings(ids)})
}

// Dependents handles GET /api/nodes/{id}/dependents: the scripted nodes that
// read this one.
func (h *Handler) Dependents(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Dependents(r.Context(), nodeID(r))
	if err != nil {
		writeError(w, "dependents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dependents": idStrings(ids)})
}

// Reads handles GET /api/nodes/{id}/reads: the nodes this one's script reads.
func (h *Handler) Reads(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.DependsOn(r.Context(), nodeID(r))
	if err != nil {
		writeError(w, "reads", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reads": idStrings(ids)})
}

// Evaluate handles POST /api/evaluate, running a pass to quiescence.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Evaluate(r.Context())
	if err != nil {
		writeError(w, "evaluate", err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse(res))
}

// ListTemplates handles GET /api/templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Templates(r.Context())
	if err != nil {
		writeError(w, "list templates", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": ids})
}

// RegisterTemplate handles POST /api/templates. The body is one template
// definition in YAML, the same shape the templates file uses.
func (h *Handler) RegisterTemplate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var def template.Definition
	dec := yaml.NewDecoder(r.Body)
	if err := dec.Decode(&def); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid YAML body")
		return
	}
	if err := h.svc.RegisterTemplate(r.Context(), def); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// ExpandTemplate handles POST /api/templates/{id}/expand.
func (h *Handler) ExpandTemplate(w http.ResponseWriter, r *http.Request) {
	var req ExpandTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	root, required, err := h.svc.ExpandTemplate(r.Context(), chi.URLParam(r, "id"), outline.ID(req.Parent), req.Position)
	if err != nil {
		writeError(w, "expand template", err)
		return
	}
	writeJSON(w, http.StatusCreated, ExpandTemplateResponse{
		Root:     string(root),
		Required: requiredDTOs(required),
	})
}

// ApplyTemplate handles POST /api/nodes/{id}/template/{template}: merge a
// template's root fields into an existing node.
func (h *Handler) ApplyTemplate(w http.ResponseWriter, r *http.Request) {
	required, err := h.svc.ApplyTemplate(r.Context(), chi.URLParam(r, "template"), nodeID(r))
	if err != nil {
		writeError(w, "apply template", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"required": requiredDTOs(required)})
}
