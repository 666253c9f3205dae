// Package api serves a loaded residual model and the run registry over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/econcast/residual-cli/internal/forecast"
	"github.com/econcast/residual-cli/internal/gbm"
	"github.com/econcast/residual-cli/internal/model"
	"github.com/econcast/residual-cli/internal/store"
)

const maxBodyBytes = 1 << 20

// Server holds the read-only state shared by all handlers. Store may be nil.
type Server struct {
	corrector *forecast.Corrector
	store     store.Store
	origins   []string
}

// New creates a Server. A nil store makes the /runs routes answer 503.
func New(c *forecast.Corrector, st store.Store, allowedOrigins []string) *Server {
	return &Server{corrector: c, store: st, origins: allowedOrigins}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/model", s.modelInfo)
	r.Post("/predict", s.predict)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelResponse struct {
	Features      []string          `json:"features"`
	Params        model.Params      `json:"params"`
	BaseScore     float64           `json:"base_score"`
	Trees         int               `json:"trees"`
	BestIteration int               `json:"best_iteration"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Importance    []gbm.FeatureGain `json:"importance,omitempty"`
}

func (s *Server) modelInfo(w http.ResponseWriter, _ *http.Request) {
	b := s.corrector.Model()
	resp := modelResponse{
		Features:      b.Features,
		Params:        b.Params,
		BaseScore:     b.BaseScore,
		Trees:         b.NumTrees(),
		BestIteration: b.BestIteration,
		Metadata:      b.Metadata,
		Importance:    b.Importance(),
	}
	writeJSON(w, http.StatusOK, resp)
}

type predictRequest struct {
	Rows []predictRow `json:"rows"`
}

// predictRow mirrors forecast.Row with an explicit baseline so that an
// omitted value is rejected instead of decoding as zero.
type predictRow struct {
	Year     int                `json:"year"`
	Baseline *float64           `json:"baseline"`
	Features map[string]float64 `json:"features"`
}

// rows validates the request against the loaded model. Every row needs a
// baseline and every model feature, as on the command line.
func (s *Server) rows(req predictRequest) ([]forecast.Row, error) {
	out := make([]forecast.Row, len(req.Rows))
	for i, r := range req.Rows {
		if r.Baseline == nil {
			return nil, eris.Wrapf(model.ErrDataIntegrity, "api: row %d (year %d) has no baseline", i, r.Year)
		}
		if err := s.corrector.CheckColumns(slices.Collect(maps.Keys(r.Features))); err != nil {
			return nil, eris.Wrapf(err, "api: row %d (year %d)", i, r.Year)
		}
		out[i] = forecast.Row{Year: r.Year, Baseline: *r.Baseline, Features: r.Features}
	}
	return out, nil
}

type predictResponse struct {
	Corrections []forecast.Correction `json:"corrections"`
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows are required")
		return
	}

	rows, err := s.rows(req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	out, err := s.corrector.Correct(rows)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrDataIntegrity) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{Corrections: out})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run registry is not configured")
		return
	}
	filter := store.RunFilter{Status: model.RunStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type runResponse struct {
	model.Run
	Folds []model.FoldMetric `json:"folds"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run registry is not configured")
		return
	}
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("api: get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	folds, err := s.store.ListFolds(r.Context(), id)
	if err != nil {
		zap.L().Error("api: list folds", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load folds")
		return
	}
	if folds == nil {
		folds = []model.FoldMetric{}
	}
	writeJSON(w, http.StatusOK, runResponse{Run: *run, Folds: folds})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
