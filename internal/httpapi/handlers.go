package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"worldrates/internal/ingest"
	"worldrates/internal/lock"
	"worldrates/internal/model"
	"worldrates/internal/projection"
	"worldrates/internal/queue"
	"worldrates/internal/ratelimit"
)

type healthResponse struct {
	Status  string                 `json:"status"`
	HasData bool                   `json:"has_data"`
	Counts  map[model.SeriesID]int `json:"counts"`
	Ingest  ingestState            `json:"ingest"`
	Queue   queue.Status           `json:"queue"`
	Sources []ratelimit.Status     `json:"sources,omitempty"`
}

type ingestState struct {
	Running bool                `json:"running"`
	Last    *ingest.CycleReport `json:"last,omitempty"`
}

type countriesResponse struct {
	Count     int             `json:"count"`
	Countries []model.Country `json:"countries"`
}

type ratesResponse struct {
	Series  model.SeriesID    `json:"series"`
	Name    string            `json:"name"`
	Policy  projection.Policy `json:"policy,omitempty"`
	Country string            `json:"country_iso,omitempty"`
	Count   int               `json:"count"`
	Rows    []model.Row       `json:"rows"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:  "ok",
		HasData: s.catalog.HasData(),
		Counts:  s.catalog.Counts(),
		Queue:   s.queue.Status(),
	}
	if s.runner != nil {
		orchestrator := s.runner.Orchestrator()
		response.Ingest.Running = orchestrator.Running()
		if last, ok := orchestrator.Last(); ok {
			response.Ingest.Last = &last
		}
	}
	if s.sources != nil {
		response.Sources = s.sources.Status()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	countries := s.catalog.Countries()
	writeJSON(w, http.StatusOK, countriesResponse{Count: len(countries), Countries: countries})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	series, err := model.LookupSeries(model.SeriesID(mux.Vars(r)["series"]))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	query := r.URL.Query()
	policy, err := projection.ParsePolicy(query.Get("policy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fill, _ := strconv.ParseBool(query.Get("fill"))

	rows, err := s.latest(series.ID, policy, fill)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if series.ID == model.SeriesExchange && len(rows) == 0 {
		s.fetchExchange(r.Context())
		if rows, err = s.latest(series.ID, policy, fill); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, ratesResponse{
		Series: series.ID,
		Name:   series.Name,
		Policy: policy,
		Count:  len(rows),
		Rows:   rows,
	})
}

func (s *Server) latest(id model.SeriesID, policy projection.Policy, fill bool) ([]model.Row, error) {
	if fill {
		return s.projector.Filled(id, policy)
	}
	return s.projector.Latest(id, policy)
}

// fetchExchange runs one exchange-only cycle through the queue. Failures
// leave the series empty and the caller serves what is stored.
func (s *Server) fetchExchange(ctx context.Context) {
	if s.runner == nil {
		return
	}
	s.log.Info("exchange rates missing, fetching on demand")
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		ctx, end, err := s.startCycle(ctx)
		if err != nil {
			return err
		}
		defer end()
		_, err = s.runner.RunCycle(ctx, "on-demand", model.SeriesExchange)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrLockHeld), errors.Is(err, ingest.ErrCycleInProgress), errors.Is(err, ErrShuttingDown):
		s.log.Info("on-demand exchange fetch skipped", zap.Error(err))
	default:
		s.log.Warn("on-demand exchange fetch failed", zap.Error(err))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	series, err := model.LookupSeries(model.SeriesID(vars["series"]))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	iso := strings.ToUpper(strings.TrimSpace(vars["iso"]))
	if len(iso) != 2 {
		writeError(w, http.StatusBadRequest, "country must be an ISO2 code")
		return
	}

	rows, err := s.projector.Historical(series.ID, iso)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ratesResponse{
		Series:  series.ID,
		Name:    series.Name,
		Country: iso,
		Count:   len(rows),
		Rows:    rows,
	})
}

// handleIngest runs a cycle and answers with its report. ?series=a,b limits
// the cycle to those series. The cycle outlives a dropped client once it has
// left the queue, but not the server.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion is not configured")
		return
	}
	only, err := parseSeriesList(r.URL.Query().Get("series"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := queue.Run(r.Context(), s.queue, func(ctx context.Context) (ingest.CycleReport, error) {
		ctx, end, err := s.startCycle(context.WithoutCancel(ctx))
		if err != nil {
			return ingest.CycleReport{}, err
		}
		defer end()
		return s.runner.RunCycle(ctx, "api", only...)
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, lock.ErrLockHeld), errors.Is(err, ingest.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("ingestion via api failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseSeriesList(raw string) ([]model.SeriesID, error) {
	var only []model.SeriesID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		series, err := model.LookupSeries(model.SeriesID(part))
		if err != nil {
			return nil, err
		}
		only = append(only, series.ID)
	}
	return only, nil
}
