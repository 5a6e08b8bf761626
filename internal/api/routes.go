package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reelforge/reelforge-engine/internal/job"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Store, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/jobs", submitJobHandler(cfg))
			r.Get("/jobs", listJobsHandler(cfg))
			r.Get("/jobs/{id}", getJobHandler(cfg))
			r.Post("/jobs/{id}/cancel", cancelJobHandler(cfg))
			r.Get("/jobs/{id}/calls", listCallsHandler(cfg))
			r.Get("/jobs/{id}/events", eventsHandler(cfg))
			r.Post("/scenes/{id}/retry", retrySceneHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cfg.Scheduler.ListJobs(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		state := "idle"
		running, queued := 0, 0
		lastError := ""
		for _, j := range jobs {
			switch j.Status {
			case job.StatusRunning, job.StatusAssembling, job.StatusUploading:
				running++
			case job.StatusQueued:
				queued++
			case job.StatusFailed:
				if lastError == "" {
					lastError = j.LastError
				}
			}
		}
		if running > 0 || queued > 0 {
			state = "processing"
		} else if lastError != "" {
			state = "error"
		}

		usage := make(map[string]int)
		for st, n := range cfg.Scheduler.SlotUsage() {
			usage[string(st)] = n
		}

		WriteJSON(w, http.StatusOK, StatusResponse{
			State:       state,
			JobsRunning: running,
			JobsQueued:  queued,
			LastError:   lastError,
			SlotUsage:   usage,
		})
	}
}

func submitJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		p, err := cfg.Scheduler.Submit(r.Context(), &req.Script)
		if err != nil {
			if errors.Is(err, job.ErrInvalidInput) {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, SubmitJobResponse{
			JobID:  p.ID,
			Status: p.Status,
			Scenes: len(p.SceneJobIDs),
		})
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cfg.Scheduler.ListJobs(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		p, scenes, err := cfg.Scheduler.GetStatus(r.Context(), id)
		if err != nil {
			if errors.Is(err, job.ErrInvalidInput) {
				WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		resp := JobDetailResponse{
			JobResponse: JobToResponse(p),
			SceneJobs:   make([]SceneResponse, len(scenes)),
		}
		for i, sc := range scenes {
			resp.SceneJobs[i] = SceneToResponse(sc)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		p, err := cfg.Scheduler.Cancel(r.Context(), id)
		if err != nil {
			if errors.Is(err, job.ErrInvalidInput) {
				WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(p))
	}
}

func listCallsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		calls, err := cfg.Store.ListCallRecords(r.Context(), id, 500)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list call records", "INTERNAL_ERROR")
			return
		}

		resp := CallsResponse{Calls: make([]CallRecordResponse, len(calls))}
		for i, rec := range calls {
			resp.Calls[i] = CallToResponse(rec)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func retrySceneHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "scene id required", "BAD_REQUEST")
			return
		}

		sc, err := cfg.Scheduler.RetryFailedScene(r.Context(), id)
		if err != nil {
			if errors.Is(err, job.ErrInvalidInput) {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, SceneToResponse(sc))
	}
}
