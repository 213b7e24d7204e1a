package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/ethpandaops/gradeoor/pkg/attachments"
	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/submission"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps domain errors onto HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var coolOff *submission.CoolOffError

	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, controller.ErrStaleResult):
		status = http.StatusConflict
	case errors.Is(err, controller.ErrRunnerDetached):
		status = http.StatusGone
	case errors.Is(err, controller.ErrInvalidState),
		errors.Is(err, controller.ErrNotNewestSubmission):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, attachments.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, submission.ErrMaxSubmissionsReached):
		status = http.StatusForbidden
	case errors.As(err, &coolOff):
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After",
			strconv.Itoa(int(math.Ceil(coolOff.Wait.Seconds()))))
	}

	if status == http.StatusInternalServerError {
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, status, errorResponse{"internal error"})

		return
	}

	writeJSON(w, status, errorResponse{err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return false
	}

	return true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid " + name})

		return 0, false
	}

	return uint(v), true
}

// resultRef reads the runner, result and attempt from the URL.
func resultRef(w http.ResponseWriter, r *http.Request) (controller.ResultRef, bool) {
	resultID, ok := uintParam(w, r, "resultID")
	if !ok {
		return controller.ResultRef{}, false
	}

	attempt, err := strconv.Atoi(chi.URLParam(r, "attempt"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid attempt"})

		return controller.ResultRef{}, false
	}

	return controller.ResultRef{
		RunnerID: chi.URLParam(r, "runnerID"),
		ResultID: resultID,
		Attempt:  attempt,
	}, true
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Runner handlers ---

type registerRunnerRequest struct {
	JobID  string `json:"job_id"`
	IPAddr string `json:"ipaddr"`
}

func (s *server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req registerRunnerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.JobID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"job_id is required"})

		return
	}

	if req.IPAddr == "" {
		req.IPAddr = extractIP(r)
	}

	runner, err := s.ctrl.RegisterRunner(r.Context(), req.JobID, req.IPAddr)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, runner)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	resp, err := s.ctrl.Heartbeat(r.Context(), chi.URLParam(r, "runnerID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleClaim(w http.ResponseWriter, r *http.Request) {
	plan, err := s.ctrl.ClaimResult(r.Context(), chi.URLParam(r, "runnerID"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if plan == nil {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	writeJSON(w, http.StatusOK, plan)
}

func (s *server) handleStartStep(w http.ResponseWriter, r *http.Request) {
	ref, ok := resultRef(w, r)
	if !ok {
		return
	}

	stepID, ok := uintParam(w, r, "stepID")
	if !ok {
		return
	}

	if err := s.ctrl.StartStep(r.Context(), ref, stepID); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleFinishStep(w http.ResponseWriter, r *http.Request) {
	ref, ok := resultRef(w, r)
	if !ok {
		return
	}

	stepID, ok := uintParam(w, r, "stepID")
	if !ok {
		return
	}

	var out steps.Outcome
	if !decodeBody(w, r, &out) {
		return
	}

	if err := s.ctrl.FinishStep(r.Context(), ref, stepID, &out); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleComments(w http.ResponseWriter, r *http.Request) {
	ref, ok := resultRef(w, r)
	if !ok {
		return
	}

	stepID, ok := uintParam(w, r, "stepID")
	if !ok {
		return
	}

	var comments []steps.Comment
	if !decodeBody(w, r, &comments) {
		return
	}

	if err := s.ctrl.IngestComments(r.Context(), ref, stepID, comments); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type skipStepsRequest struct {
	State   store.StepState `json:"state"`
	StepIDs []uint          `json:"step_ids"`
}

func (s *server) handleSkipSteps(w http.ResponseWriter, r *http.Request) {
	ref, ok := resultRef(w, r)
	if !ok {
		return
	}

	var req skipStepsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.ctrl.SkipSteps(r.Context(), ref, req.State, req.StepIDs); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleFinishResult(w http.ResponseWriter, r *http.Request) {
	ref, ok := resultRef(w, r)
	if !ok {
		return
	}

	var report controller.ResultReport
	if !decodeBody(w, r, &report) {
		return
	}

	if err := s.ctrl.FinishResult(r.Context(), ref, &report); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleFile serves a blob to a runner, redirecting to a presigned URL
// when the backend supports it.
func (s *server) handleFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"file path is required"})

		return
	}

	if p, ok := s.blobs.(attachments.Presigner); ok {
		url, err := p.PresignGet(r.Context(), key)

		switch {
		case err == nil:
			http.Redirect(w, r, url, http.StatusFound)

			return
		case !errors.Is(err, attachments.ErrPresignUnsupported):
			s.log.WithError(err).
				WithField("key", key).
				Warn("Failed to generate presigned URL")
		}
	}

	data, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(data)
}

// --- Platform handlers ---

func (s *server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	assignmentID, ok := uintParam(w, r, "assignmentID")
	if !ok {
		return
	}

	authorID, err := strconv.ParseUint(r.URL.Query().Get("author_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid author_id"})

		return
	}

	archive, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			errorResponse{"archive too large"})

		return
	}

	key := attachments.SubmissionArchiveKey(assignmentID, uuid.NewString())

	if err := s.blobs.Put(r.Context(), key, archive); err != nil {
		s.writeError(w, r, err)

		return
	}

	sub, err := s.guard.CreateSubmission(r.Context(), assignmentID, uint(authorID), key)
	if err != nil {
		if derr := s.blobs.Delete(r.Context(), key); derr != nil {
			s.log.WithError(derr).
				WithField("key", key).
				Warn("Failed to remove rejected archive")
		}

		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

type runResponse struct {
	*store.Run
	Results map[store.ResultState]int `json:"results"`
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := uintParam(w, r, "runID")
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	results, err := s.store.ListResults(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	counts := make(map[store.ResultState]int, 6)
	for _, res := range results {
		counts[res.State]++
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run, Results: counts})
}

// handleGetResult returns a result with its step results. Logs of hidden
// steps are reduced to their state and points.
func (s *server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	resultID, ok := uintParam(w, r, "resultID")
	if !ok {
		return
	}

	ctx := r.Context()

	result, err := s.store.GetResult(ctx, resultID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	run, err := s.store.GetRun(ctx, result.RunID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	at, err := s.store.GetAutoTest(ctx, run.AutoTestID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	hidden := make(map[uint]steps.Kind)

	for _, set := range at.Sets {
		for _, suite := range set.Suites {
			for _, step := range suite.Steps {
				if step.Hidden {
					hidden[step.ID] = steps.Kind(step.TestTypeName)
				}
			}
		}
	}

	stepResults, err := s.store.ListStepResults(ctx, resultID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	for i := range stepResults {
		kind, ok := hidden[stepResults[i].StepID]
		if !ok {
			continue
		}

		redacted, err := steps.RemoveStepDetails(kind, stepResults[i].Log)
		if err != nil {
			s.writeError(w, r, err)

			return
		}

		stepResults[i].Log = []byte(redacted)
		stepResults[i].AttachmentKey = nil
	}

	result.StepResults = stepResults

	writeJSON(w, http.StatusOK, result)
}
