package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/reactive"
	"github.com/maloquacious/crimestore/internal/repository"
	"github.com/maloquacious/crimestore/internal/store"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

// PublicHandler returns the probe routes.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if s.repo.Load() == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	return mux
}

// AdminHandler returns the JSON admin routes and /metrics.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /admin/status", jsonOnly(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /admin/shutdown", jsonOnly(http.HandlerFunc(s.handleShutdown)))
	mux.Handle("GET /admin/crimes", jsonOnly(s.withRepo(s.handleList)))
	mux.Handle("POST /admin/crimes", jsonOnly(s.withRepo(s.handleCreate)))
	mux.Handle("GET /admin/crimes/{id}", jsonOnly(s.withRepo(s.handleGet)))
	mux.Handle("PUT /admin/crimes/{id}", jsonOnly(s.withRepo(s.handleUpdate)))
	mux.Handle("DELETE /admin/crimes/{id}", jsonOnly(s.withRepo(s.handleDelete)))
	mux.Handle("GET /admin/watch", jsonOnly(s.withRepo(s.handleWatchAll)))
	mux.Handle("GET /admin/watch/{id}", jsonOnly(s.withRepo(s.handleWatchOne)))

	mux.Handle("GET /metrics", s.withRepo(func(w http.ResponseWriter, r *http.Request, repo *repository.Repository) {
		promhttp.HandlerFor(repo.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	}))

	return mux
}

type repoHandler func(w http.ResponseWriter, r *http.Request, repo *repository.Repository)

// withRepo answers 503 until the repository is set.
func (s *Server) withRepo(next repoHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repo := s.repo.Load()
		if repo == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "not_ready", "repository is not open")
			return
		}
		next(w, r, repo)
	})
}

type statusResponse struct {
	Version       string `json:"version"`
	SchemaVersion int    `json:"schemaVersion"`
	Path          string `json:"path,omitempty"`
	Mode          string `json:"mode"`
	Started       string `json:"started"`
	Time          string `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: s.cfg.Version,
		Mode:    "starting",
		Started: s.started.Format(time.RFC3339),
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if repo := s.repo.Load(); repo != nil {
		version, err := repo.SchemaVersion(r.Context())
		if err != nil {
			writeRepoError(w, err)
			return
		}
		resp.Mode = "running"
		resp.SchemaVersion = version
		resp.Path = repo.Path()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	s.Shutdown()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, repo *repository.Repository) {
	crimes, err := repo.List(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, crimes)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, repo *repository.Repository) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := repo.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if c == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no crime with id "+id.String())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleCreate assigns an id and date when the body leaves them empty.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, repo *repository.Repository) {
	c, ok := decodeCrime(w, r)
	if !ok {
		return
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Date.IsZero() {
		c.Date = crime.Now()
	}
	if err := repo.Add(r.Context(), c); err != nil {
		writeRepoError(w, err)
		return
	}
	s.log.Debug("admin: added crime %s", c.ID)
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, repo *repository.Repository) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, ok := decodeCrime(w, r)
	if !ok {
		return
	}
	if c.ID != uuid.Nil && c.ID != id {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "body id does not match path id")
		return
	}
	c.ID = id
	if err := repo.Update(r.Context(), c); err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, repo *repository.Repository) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := repo.Delete(r.Context(), id); err != nil {
		writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWatchAll streams the crime list as JSON lines, one per change.
func (s *Server) handleWatchAll(w http.ResponseWriter, r *http.Request, repo *repository.Repository) {
	sub, err := repo.SubscribeAll(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	defer sub.Cancel()
	stream(s, w, sub.C())
}

// handleWatchOne streams one crime as JSON lines; null means absent.
func (s *Server) handleWatchOne(w http.ResponseWriter, r *http.Request, repo *repository.Repository) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sub, err := repo.SubscribeOne(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	defer sub.Cancel()
	stream(s, w, sub.C())
}

func stream[T any](s *Server, w http.ResponseWriter, snapshots <-chan T) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	for {
		select {
		case v, ok := <-snapshots:
			if !ok {
				return
			}
			if err := enc.Encode(v); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-s.streams.Done():
			return
		}
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeCrime(w http.ResponseWriter, r *http.Request) (crime.Crime, bool) {
	var c crime.Crime
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return crime.Crime{}, false
	}
	return c, true
}

// writeRepoError maps repository errors onto HTTP statuses.
func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicateID):
		writeJSONError(w, http.StatusConflict, "duplicate_id", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, crime.ErrNilID):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, repository.ErrClosed), errors.Is(err, reactive.ErrClosed):
		writeJSONError(w, http.StatusServiceUnavailable, "closed", err.Error())
	case errors.Is(err, store.ErrStorageUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// jsonOnly enforces JSON-only contract for admin routes.
func jsonOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Require Accept: application/json (at least for admin)
		accept := r.Header.Get("Accept")
		if !strings.Contains(accept, "application/json") && accept != "" && accept != "*/*" {
			writeJSONError(w, http.StatusNotAcceptable, "not_acceptable", "Accept must include application/json")
			return
		}
		hasBody := r.Method == http.MethodPost || r.Method == http.MethodPut
		if hasBody && r.ContentLength != 0 && !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": msg,
	})
}
