package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"searchsync/internal/reindex"
	"searchsync/pkg/domain"
)

// Authorizer decides whether token may start a job of kind. Authentication
// itself happens upstream; only the outcome is consumed here.
type Authorizer func(r *http.Request, kind, token string) bool

// GroupSelector validates index group names. *registry.Registry satisfies it.
type GroupSelector interface {
	Select(names []string) ([]domain.IndexGroup, error)
}

// Handler serves the reindex entrypoints:
//
//	POST   /reindex/{id}?group=name   reindex one entity and its related entities
//	POST   /reindex-all               live full reindex with tombstone cleanup
//	PUT    /update/{id}               update from a caller supplied body
//	POST   /add/{id}                  add from a caller supplied body
//	DELETE /entities/{id}             remove an entity from every index
//	GET    /jobs/{id}                 job status
type Handler struct {
	Jobs      Scheduler
	Authorize Authorizer
	Groups    GroupSelector
	Log       zerolog.Logger
}

// NewHandler constructs a reindex HTTP handler.
func NewHandler(jobs Scheduler, groups GroupSelector, authorize Authorizer, log zerolog.Logger) *Handler {
	return &Handler{Jobs: jobs, Groups: groups, Authorize: authorize, Log: log}
}

const maxBodyBytes = 16 << 20

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Jobs == nil {
		writeError(w, http.StatusInternalServerError, "job scheduler not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/reindex-all":
		h.accept(w, r, http.MethodPost, reindex.KindTranslateAll, "")
	case strings.HasPrefix(path, "/reindex/"):
		h.accept(w, r, http.MethodPost, reindex.KindTranslate, strings.TrimPrefix(path, "/reindex/"))
	case strings.HasPrefix(path, "/update/"):
		h.accept(w, r, http.MethodPut, reindex.KindUpdate, strings.TrimPrefix(path, "/update/"))
	case strings.HasPrefix(path, "/add/"):
		h.accept(w, r, http.MethodPost, reindex.KindAdd, strings.TrimPrefix(path, "/add/"))
	case strings.HasPrefix(path, "/entities/"):
		h.accept(w, r, http.MethodDelete, reindex.KindDelete, strings.TrimPrefix(path, "/entities/"))
	case strings.HasPrefix(path, "/jobs/"):
		h.handleJob(w, r, strings.TrimPrefix(path, "/jobs/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, method, kind, id string) {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if kind != reindex.KindTranslateAll && (id == "" || strings.Contains(id, "/")) {
		http.NotFound(w, r)
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	if h.Authorize != nil && !h.Authorize(r, kind, token) {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	groups := r.URL.Query()["group"]
	if h.Groups != nil && len(groups) > 0 {
		if _, err := h.Groups.Select(groups); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req := Request{Kind: kind, EntityID: id, Token: token, Groups: groups}
	if kind == reindex.KindUpdate || kind == reindex.KindAdd {
		body, err := decodeBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if uid := body.UUID(); uid != "" && uid != id {
			writeError(w, http.StatusBadRequest, "body uuid does not match path id")
			return
		}
		req.Body = body
	}

	job, err := h.Jobs.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrStopped) {
			h.Log.Warn().Err(err).Str("kind", kind).Str("uuid", id).Msg("job not accepted, rejecting request")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, ok := h.Jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func decodeBody(r *http.Request) (domain.Document, error) {
	var body domain.Document
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
	if err == io.EOF || (err == nil && len(body) == 0) {
		return nil, errors.New("request body required")
	}
	if err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return body, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
