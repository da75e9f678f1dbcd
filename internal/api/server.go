// Package api serves a JSON API over a processed store. Everything is
// read-only except POST /api/types/{type}/rows, which rebuilds the output
// relation of a type.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cognicore/xmlflat/internal/metrics"
	"github.com/cognicore/xmlflat/pkg/xmlflat"
	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
)

// Server is the HTTP API server for xmlflat.
type Server struct {
	router   chi.Router
	flat     *xmlflat.XMLFlat
	log      zerolog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// Options configures a Server. A nil Gatherer disables /metrics.
type Options struct {
	Flat     *xmlflat.XMLFlat
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// NewServer creates and configures the HTTP server.
func NewServer(opts Options) *Server {
	s := &Server{
		flat:     opts.Flat,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log, s.metrics))

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/info", s.handleInfo)
		r.Get("/log", s.handleLog)
		r.Get("/documents", s.handleDocuments)
		r.Get("/documents/{id}", s.handleDocument)
		r.Get("/types", s.handleTypes)
		r.Get("/types/{type}/stats", s.handleTypeStats)
		r.Get("/types/{type}/rows", s.handleTypeRows)
		r.Post("/types/{type}/rows", s.handleMaterialize)
		r.Get("/samples", s.handleSamples)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.flat.Info(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	delimiters, err := s.flat.Delimiters(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"info": info, "delimiters": delimiters})
}

type logEntry struct {
	DocID int    `json:"doc_id"`
	Level string `json:"level"`
	Entry string `json:"entry"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	level, ok := store.ParseLogLevel(r.URL.Query().Get("level"))
	if !ok {
		jsonError(w, "level must be one of info, warning, error", http.StatusBadRequest)
		return
	}
	docID, err := intParam(r, "doc_id")
	if err != nil {
		jsonError(w, "doc_id must be a number", http.StatusBadRequest)
		return
	}

	entries, err := s.flat.ProcessLog(r.Context(), level, docID)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]logEntry, len(entries))
	for i, e := range entries {
		out[i] = logEntry{DocID: e.DocID, Level: e.Level.String(), Entry: e.Entry}
	}
	writeJSON(w, map[string]any{"entries": out})
}

type document struct {
	ID            int    `json:"id"`
	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalid_reason,omitempty"`
	Text          string `json:"text,omitempty"`
}

func toDocument(d store.Document, withText bool) document {
	out := document{ID: d.ID, Valid: d.Validity == store.Valid, InvalidReason: d.InvalidReason}
	if withText {
		out.Text = d.Text
	}
	return out
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	validity := store.ValidityAll
	switch strings.ToLower(r.URL.Query().Get("validity")) {
	case "", "all":
	case "valid":
		validity = store.Valid
	case "invalid":
		validity = store.Invalid
	default:
		jsonError(w, "validity must be one of all, valid, invalid", http.StatusBadRequest)
		return
	}

	docs, err := s.flat.Documents(r.Context(), validity)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]document, len(docs))
	for i, d := range docs {
		out[i] = toDocument(d, false)
	}
	writeJSON(w, map[string]any{"documents": out})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "document id must be a number", http.StatusBadRequest)
		return
	}
	d, err := s.flat.Document(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := map[string]any{"document": toDocument(d, true)}
	rec, typ, err := s.flat.Record(r.Context(), id)
	switch {
	case err == nil:
		resp["type"] = typ
		resp["record"] = rec
	case !errors.Is(err, internalerr.ErrNotFound):
		s.fail(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	overview, err := s.flat.Overview(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"types": overview})
}

func (s *Server) handleTypeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.flat.TypeStats(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"tags": stats})
}

func (s *Server) handleTypeRows(w http.ResponseWriter, r *http.Request) {
	table, err := s.flat.OutputRows(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeTable(w, table)
}

func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	var repeating []string
	for _, k := range strings.Split(r.URL.Query().Get("repeat"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			repeating = append(repeating, k)
		}
	}

	table, err := s.flat.Materialize(r.Context(), chi.URLParam(r, "type"), repeating)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeTable(w, table)
}

func writeTable(w http.ResponseWriter, t store.Table) {
	rows := t.Rows
	if rows == nil {
		rows = [][]string{}
	}
	writeJSON(w, map[string]any{"columns": t.Columns, "rows": rows})
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	overview, err := s.flat.OverviewWithSamples(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]any{"types": overview})
}

// fail maps facade errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, internalerr.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, internalerr.ErrNotProcessed):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, internalerr.ErrInvalidInput):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error().Err(err).Msg("request failed")
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RequestLogger logs incoming requests and counts them by route pattern.
func RequestLogger(log zerolog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RecordHTTP(route, status)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Str("request_id", middleware.GetReqID(r.Context())).
				Dur("duration_ms", time.Since(start)).
				Msg("request")
		})
	}
}
