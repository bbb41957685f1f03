// Package server exposes runs, approvals and the decision log over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/audit"
	"github.com/sells-group/validation-cli/internal/model"
	"github.com/sells-group/validation-cli/internal/orchestrator"
	"github.com/sells-group/validation-cli/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator   *orchestrator.Orchestrator
	AllowedOrigins []string
}

type server struct {
	orch  *orchestrator.Orchestrator
	store store.Store
}

// New returns an HTTP handler exposing the validation API.
func New(cfg Config) http.Handler {
	s := &server{orch: cfg.Orchestrator, store: cfg.Orchestrator.Store()}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.startRun)
		r.Get("/", s.listRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/advance", s.advanceRun)
			r.Get("/history", s.history)
			r.Get("/state", s.stateAt)
			r.Get("/explain", s.explain)
			r.Post("/veto", s.veto)
			r.Post("/approvals/{approvalID}/resume", s.resume)
			r.Post("/approvals/{approvalID}/cancel", s.cancel)
		})
	})
	r.Get("/approvals", s.listApprovals)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) startRun(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.StartInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.orch.Start(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Phase:     model.Phase(q.Get("phase")),
		Active:    q.Get("active") == "true",
		Suspended: q.Get("suspended") == "true",
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, badRequest("limit", err))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, badRequest("offset", err))
		return
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetState(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) advanceRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Advance(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := strconv.ParseInt(defaultStr(q.Get("after"), "0"), 10, 64)
	if err != nil {
		writeError(w, badRequest("after", err))
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, badRequest("limit", err))
		return
	}
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetState(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.store.ListDecisions(r.Context(), runID, after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

// stateAt returns the state as of a version. Without a version it replays
// the log to the latest committed state.
func (s *server) stateAt(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	v := r.URL.Query().Get("version")
	if v == "" {
		rep, err := audit.ReplayRun(r.Context(), s.store, runID, audit.ReplayOptions{})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep.State)
		return
	}
	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil || version < 1 {
		writeError(w, badRequest("version", errors.New("must be a positive integer")))
		return
	}
	st, err := s.store.GetStateAt(r.Context(), runID, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) explain(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	switch r.URL.Query().Get("format") {
	case "xlsx":
		entries, err := s.allDecisions(r, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`.xlsx"`)
		if err := audit.WriteXLSX(w, runID, entries); err != nil {
			zap.L().Error("server: write xlsx", zap.String("run_id", runID), zap.Error(err))
		}
		return
	case "text":
		st, exps, err := audit.ExplainRun(r.Context(), s.store, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(audit.Narrative(st, exps)))
		return
	}
	st, exps, err := audit.ExplainRun(r.Context(), s.store, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": st, "explanations": nonNil(exps)})
}

func (s *server) allDecisions(r *http.Request, runID string) ([]model.DecisionLogEntry, error) {
	if _, err := s.store.GetState(r.Context(), runID); err != nil {
		return nil, err
	}
	rep, err := audit.ReplayRun(r.Context(), s.store, runID, audit.ReplayOptions{})
	if err != nil {
		return nil, err
	}
	return rep.Entries, nil
}

type resumeBody struct {
	Decision      model.Decision `json:"decision"`
	Choice        string         `json:"choice,omitempty"`
	Resolver      string         `json:"resolver"`
	Comment       string         `json:"comment,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

func (s *server) resume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if !decode(w, r, &body) {
		return
	}
	runID := chi.URLParam(r, "runID")
	id := chi.URLParam(r, "approvalID")
	req, err := s.store.GetApproval(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = approval.ErrUnknownRequest
		}
		writeError(w, err)
		return
	}
	if req.RunID != runID {
		writeError(w, approval.ErrUnknownRequest)
		return
	}
	res, err := s.orch.Resume(r.Context(), approval.ResumeInput{
		RunID:         runID,
		RequestID:     id,
		Decision:      body.Decision,
		Choice:        body.Choice,
		Resolver:      body.Resolver,
		Comment:       body.Comment,
		Modifications: body.Modifications,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type actorBody struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "approvalID"), body.Actor, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) veto(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.orch.Veto(r.Context(), chi.URLParam(r, "runID"), body.Actor, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) listApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, badRequest("limit", err))
		return
	}
	status := model.RequestStatus(q.Get("status"))
	switch status {
	case "", model.RequestPending, model.RequestResolved, model.RequestCancelled:
	default:
		writeError(w, badRequest("status", errors.New("unknown status "+string(status))))
		return
	}
	reqs, err := s.store.ListApprovals(r.Context(), store.ApprovalFilter{
		RunID:  q.Get("run_id"),
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": nonNil(reqs)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, badRequest("body", err))
		return false
	}
	return true
}

func intParam(v string) (int, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
