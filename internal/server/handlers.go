package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Sumatoshi-tech/surveyforge/internal/resultstore"
	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

// maxSubmitBody bounds the submission request body.
const maxSubmitBody = 1 << 20

// errorResponse is the uniform error shape for every API failure.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, errorResponse{Success: false, Error: msg})
}

// handleSubmit accepts a JSON object of submission parameters and returns the
// new task id.
func (s *Server) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	var params map[string]any

	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxSubmitBody))

	err := dec.Decode(&params)
	if err != nil {
		writeError(rw, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))

		return
	}

	sub, err := s.mgr.Submit(r.Context(), params)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(rw, http.StatusAccepted, map[string]any{
		"success":             true,
		"task_id":             sub.TaskID,
		"message":             "task accepted for processing",
		"output_file":         sub.ResultKey + ".json",
		"original_topic":      sub.Topic,
		"unique_survey_title": sub.ResultKey,
	})
}

// handleGetTask returns the full task record.
func (s *Server) handleGetTask(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.registry.Get(r.Context(), id)
	if errors.Is(err, task.ErrTaskNotFound) {
		writeError(rw, http.StatusNotFound, "task not found")

		return
	}

	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(rw, http.StatusOK, rec)
}

// handleDeleteTask removes the task record and any stored result.
func (s *Server) handleDeleteTask(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.registry.Delete(r.Context(), id)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	err = s.results.Delete(r.Context(), id)
	if err != nil {
		s.logger.Warn("result delete failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
	}

	writeJSON(rw, http.StatusOK, map[string]any{"success": true})
}

// handleTaskPipelineStatus reports the pipeline snapshot together with the
// task's own state.
func (s *Server) handleTaskPipelineStatus(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.registry.Get(r.Context(), id)
	if errors.Is(err, task.ErrTaskNotFound) {
		writeError(rw, http.StatusNotFound, "task not found")

		return
	}

	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	status, err := s.mgr.PipelineStatus(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(rw, http.StatusOK, map[string]any{
		"task_id":     rec.ID,
		"task_status": rec.Status,
		"pipeline":    status,
	})
}

// handleGlobalPipelineStatus reports the pipeline snapshot.
func (s *Server) handleGlobalPipelineStatus(rw http.ResponseWriter, r *http.Request) {
	status, err := s.mgr.PipelineStatus(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(rw, http.StatusOK, status)
}

// handleListTasks lists records, optionally filtered by ?status= and bounded
// by ?limit=.
func (s *Server) handleListTasks(rw http.ResponseWriter, r *http.Request) {
	var statusFilter *task.Status

	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := task.Parse(raw)
		if err != nil {
			writeError(rw, http.StatusBadRequest, fmt.Sprintf("invalid status %q", raw))

			return
		}

		statusFilter = &st
	}

	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(rw, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))

			return
		}

		limit = n
	}

	records, err := s.registry.List(r.Context(), statusFilter, limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(rw, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(records),
		"tasks":   records,
	})
}

// handleOutput returns the survey result for a completed task: the result
// store first, then the output directory as a fallback.
func (s *Server) handleOutput(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.registry.Get(r.Context(), id)
	if errors.Is(err, task.ErrTaskNotFound) {
		writeError(rw, http.StatusNotFound, "task not found")

		return
	}

	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	if rec.Status != task.StatusCompleted {
		writeError(rw, http.StatusBadRequest,
			fmt.Sprintf("task is %s, output is available once COMPLETED", rec.Status))

		return
	}

	res, err := s.results.Get(r.Context(), id)
	if err == nil {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(res.SurveyData))

		return
	}

	if !errors.Is(err, resultstore.ErrNotFound) {
		writeError(rw, http.StatusInternalServerError, err.Error())

		return
	}

	s.serveOutputFile(rw, rec)
}

// serveOutputFile streams the result file named by the expected result key.
func (s *Server) serveOutputFile(rw http.ResponseWriter, rec *task.Record) {
	if s.cfg.OutputDir == "" || rec.ExpectedResultKey == "" {
		writeError(rw, http.StatusNotFound, "result not found")

		return
	}

	path := filepath.Join(s.cfg.OutputDir, rec.ExpectedResultKey+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		writeError(rw, http.StatusNotFound, "result not found")

		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(data)
}

// handleHealth is the application-level health report.
func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"registry":     "ok",
		"result_store": "ok",
	}
	healthy := true

	if err := s.registry.HealthCheck(r.Context()); err != nil {
		checks["registry"] = err.Error()
		healthy = false
	}

	if err := s.results.HealthCheck(r.Context()); err != nil {
		checks["result_store"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(rw, status, map[string]any{
		"success": healthy,
		"checks":  checks,
	})
}
