// Package api is the daemon's HTTP surface, versioned at /api/v1. Handlers
// complete synchronously; long-running work goes through the scheduler and
// returns a session id. Faults map to status codes by category.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/monoco-io/monoco/internal/cachemanager"
	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/issue"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/mailbox"
	"github.com/monoco-io/monoco/internal/registry"
	"github.com/monoco-io/monoco/internal/scheduler"
	"github.com/monoco-io/monoco/internal/stats"
	"github.com/monoco-io/monoco/internal/transition"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	core      *transition.Core
	sched     *scheduler.Scheduler
	stats     *stats.Service
	bus       *events.Bus
	claims    *mailbox.Claims
	store     *mailbox.Store
	adapters  *mailbox.AdapterRegistry
	linter    *issue.Linter
	issueRoot string

	// projectStores resolves webhook slugs to per-project mailbox stores,
	// read-through cached over the registry.
	projectStores *cachemanager.ReadThroughCache[string, *mailbox.Store, string]
}

// HandlerConfig wires the handler's collaborators. All fields are required
// unless noted.
type HandlerConfig struct {
	Core      *transition.Core
	Scheduler *scheduler.Scheduler
	Stats     *stats.Service
	Bus       *events.Bus
	Claims    *mailbox.Claims
	Store     *mailbox.Store
	Adapters  *mailbox.AdapterRegistry
	// Projects resolves webhook slugs. Optional: without it webhook
	// ingress rejects every slug.
	Projects  *registry.Registry
	IssueRoot string
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		core:      cfg.Core,
		sched:     cfg.Scheduler,
		stats:     cfg.Stats,
		bus:       cfg.Bus,
		claims:    cfg.Claims,
		store:     cfg.Store,
		adapters:  cfg.Adapters,
		linter:    issue.NewLinter(cfg.IssueRoot),
		issueRoot: cfg.IssueRoot,
	}
	if cfg.Projects != nil {
		h.projectStores = cachemanager.NewReadThroughCache[string, *mailbox.Store, string](
			cachemanager.NewInMemoryCacheManager[string, *mailbox.Store](
				"webhook-stores", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
			func(ctx context.Context, slug string) (*mailbox.Store, error) {
				p, err := cfg.Projects.Lookup(slug)
				if err != nil {
					return nil, err
				}
				return mailbox.NewStore(filepath.Join(p.Root, ".monoco", "mailbox")), nil
			},
			false,
		)
	}
	return h
}

// Routes returns the route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	mux.HandleFunc("GET /api/v1/issues", h.ListIssues)
	mux.HandleFunc("POST /api/v1/issues", h.CreateIssue)
	mux.HandleFunc("GET /api/v1/issues/{id}", h.GetIssue)
	mux.HandleFunc("PATCH /api/v1/issues/{id}/content", h.PatchIssueContent)
	mux.HandleFunc("POST /api/v1/issues/{id}/start", h.StartIssue)
	mux.HandleFunc("POST /api/v1/issues/{id}/submit", h.SubmitIssue)
	mux.HandleFunc("POST /api/v1/issues/{id}/close", h.CloseIssue)

	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/terminate", h.TerminateSession)

	mux.HandleFunc("GET /api/v1/stats/dashboard", h.Dashboard)
	mux.HandleFunc("GET /api/v1/events", h.StreamEvents)

	mux.HandleFunc("POST /api/v1/courier/webhook/{provider}/{slug}", h.Webhook)
	mux.HandleFunc("POST /api/v1/courier/outbound/send", h.OutboundSend)
	mux.HandleFunc("POST /api/v1/mailbox/{id}/claim", h.ClaimMessage)
	mux.HandleFunc("POST /api/v1/mailbox/{id}/done", h.DoneMessage)
	mux.HandleFunc("POST /api/v1/mailbox/{id}/fail", h.FailMessage)

	return correlate(mux)
}

// correlate echoes the caller's correlation id so responses can be tied
// back to bus envelopes and log lines.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cid := r.Header.Get("X-Correlation-ID"); cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		next.ServeHTTP(w, r)
	})
}

// === Issues ===

// IssueResponse is the JSON projection of one issue.
type IssueResponse struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Status       string   `json:"status"`
	Stage        string   `json:"stage"`
	Title        string   `json:"title"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	Parent       string   `json:"parent,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Files        []string `json:"files,omitempty"`
	Criticality  string   `json:"criticality,omitempty"`
	Solution     string   `json:"solution,omitempty"`
	Isolation    string   `json:"isolation,omitempty"`
	Path         string   `json:"path"`
	Body         string   `json:"body,omitempty"`
}

func issueToResponse(iss *issue.Issue, withBody bool) IssueResponse {
	resp := IssueResponse{
		ID:           iss.ID,
		Type:         string(iss.Type),
		Status:       string(iss.Status),
		Stage:        string(iss.Stage),
		Title:        iss.Title,
		CreatedAt:    iss.CreatedAt.String(),
		UpdatedAt:    iss.UpdatedAt.String(),
		Parent:       iss.Parent,
		Dependencies: iss.Dependencies,
		Files:        iss.Files,
		Criticality:  string(iss.Criticality),
		Solution:     string(iss.Solution),
		Path:         iss.Path,
	}
	if iss.Isolation != nil {
		resp.Isolation = string(iss.Isolation.Type)
	}
	if withBody {
		resp.Body = iss.Body
	}
	return resp
}

// ListIssues returns issues filtered by status, stage, and type. Archived
// issues only appear when asked for explicitly.
// GET /api/v1/issues?status=&stage=&type=
func (h *Handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, stage, typ := q.Get("status"), q.Get("stage"), q.Get("type")

	issues, errs := issue.List(h.issueRoot)
	for _, err := range errs {
		log.Debug(log.CatHTTP, "skipping unparseable issue", "error", err)
	}

	out := make([]IssueResponse, 0, len(issues))
	for _, iss := range issues {
		if iss.Status == issue.StatusArchived && status != string(issue.StatusArchived) {
			continue
		}
		if status != "" && string(iss.Status) != status {
			continue
		}
		if stage != "" && string(iss.Stage) != stage {
			continue
		}
		if typ != "" && string(iss.Type) != typ {
			continue
		}
		out = append(out, issueToResponse(iss, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": out, "total": len(out)})
}

// CreateIssueRequest is the POST /issues body.
type CreateIssueRequest struct {
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Body         string   `json:"body,omitempty"`
	Criticality  string   `json:"criticality,omitempty"`
	Parent       string   `json:"parent,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// CreateIssue creates an open draft issue.
// POST /api/v1/issues
func (h *Handler) CreateIssue(w http.ResponseWriter, r *http.Request) {
	var req CreateIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", nil)
		return
	}
	t := issue.Type(req.Type)
	if t.Prefix() == "" {
		writeError(w, http.StatusBadRequest, "validation", "unknown issue type "+req.Type, nil)
		return
	}
	iss, err := h.core.Create(r.Context(), t, req.Title, transition.CreateOpts{
		Criticality:  issue.Criticality(req.Criticality),
		Parent:       req.Parent,
		Dependencies: req.Dependencies,
		Body:         req.Body,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueToResponse(iss, true))
}

// GetIssue returns one issue with its body.
// GET /api/v1/issues/{id}
func (h *Handler) GetIssue(w http.ResponseWriter, r *http.Request) {
	iss, err := issue.Find(h.issueRoot, r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueToResponse(iss, true))
}

// PatchContentRequest is the PATCH /issues/{id}/content body.
type PatchContentRequest struct {
	Content string `json:"content"`
}

// PatchIssueContent replaces the issue file behind a lint gate: the new
// content must parse and lint clean before it lands on disk.
// PATCH /api/v1/issues/{id}/content
func (h *Handler) PatchIssueContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req PatchContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", nil)
		return
	}

	current, err := issue.Find(h.issueRoot, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	next, err := issue.Parse([]byte(req.Content))
	if err != nil {
		writeFault(w, err)
		return
	}
	if next.ID != id {
		writeError(w, http.StatusUnprocessableEntity, "validation",
			"content id "+next.ID+" does not match "+id, nil)
		return
	}

	next.Path = current.Path
	if report := h.linter.Lint(next); !report.OK() {
		writeJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	if err := issue.Save(next, current.Path); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueToResponse(next, true))
}

// StartIssueRequest is the POST /issues/{id}/start body.
type StartIssueRequest struct {
	Mode string `json:"mode,omitempty"` // direct | branch | worktree
}

// StartIssue moves an issue to doing and creates its isolation.
// POST /api/v1/issues/{id}/start
func (h *Handler) StartIssue(w http.ResponseWriter, r *http.Request) {
	var req StartIssueRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", nil)
			return
		}
	}
	iss, err := h.core.Start(r.Context(), r.PathValue("id"), issue.IsolationType(req.Mode))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueToResponse(iss, false))
}

// SubmitIssue syncs files, lints, and advances the issue to review.
// POST /api/v1/issues/{id}/submit
func (h *Handler) SubmitIssue(w http.ResponseWriter, r *http.Request) {
	iss, err := h.core.Submit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueToResponse(iss, false))
}

// CloseIssueRequest is the POST /issues/{id}/close body.
type CloseIssueRequest struct {
	Solution string `json:"solution"`
	NoPrune  bool   `json:"no_prune,omitempty"`
}

// CloseIssue closes the issue, merging its scope when implemented.
// POST /api/v1/issues/{id}/close
func (h *Handler) CloseIssue(w http.ResponseWriter, r *http.Request) {
	var req CloseIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", nil)
		return
	}
	iss, err := h.core.Close(r.Context(), r.PathValue("id"), transition.CloseOpts{
		Solution:      issue.Solution(req.Solution),
		KeepIsolation: req.NoPrune,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issueToResponse(iss, false))
}

// === Sessions ===

// ListSessions returns session records, newest first.
// GET /api/v1/sessions?role=&state=
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	role, state := r.URL.Query().Get("role"), r.URL.Query().Get("state")

	sessions, err := h.sched.List()
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]*scheduler.Session, 0, len(sessions))
	for _, s := range sessions {
		if role != "" && s.Role != role {
			continue
		}
		if state != "" && string(s.State) != state {
			continue
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "total": len(out)})
}

// GetSession returns one session record.
// GET /api/v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sched.Status(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// TerminateSession requests best-effort termination; idempotent.
// POST /api/v1/sessions/{id}/terminate
func (h *Handler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Terminate(r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Stats ===

// Dashboard returns the aggregate snapshot.
// GET /api/v1/stats/dashboard
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.stats.Dashboard()
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Health reports daemon liveness.
// GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// === Helpers ===

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatHTTP, "failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// writeFault maps a fault to its HTTP status, carrying the structured
// detail (offending field, merge conflicts) into the error envelope.
func writeFault(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	resp := ErrorResponse{
		Error: err.Error(),
		Code:  fault.CategoryOf(err).String(),
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		resp.Error = f.Message
		details := map[string]any{}
		if f.Field != "" {
			details["field"] = f.Field
		}
		if len(f.Conflicts) > 0 {
			details["conflicts"] = f.Conflicts
		}
		for k, v := range f.Detail {
			details[k] = v
		}
		if len(details) > 0 {
			resp.Details = details
		}
	}
	writeJSON(w, status, resp)
}
