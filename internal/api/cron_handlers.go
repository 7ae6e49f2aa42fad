package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/digest"
	"github.com/JakeFAU/marketpulse/internal/email"
	"github.com/JakeFAU/marketpulse/internal/worker"
)

type schedulerResponse struct {
	Enqueued int      `json:"enqueued"`
	Skipped  int      `json:"skipped"`
	Errors   int      `json:"errors"`
	Failures []string `json:"failures,omitempty"`
	Message  string   `json:"message"`
}

type workerResponse struct {
	worker.BatchResult
	TimedOut bool   `json:"timed_out"`
	Message  string `json:"message"`
}

type emailResponse struct {
	email.BatchResult
	TimedOut bool   `json:"timed_out"`
	Message  string `json:"message"`
}

type digestResponse struct {
	digest.Result
	Message string `json:"message"`
}

func (s *Server) cronScheduler(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Scheduler.EnqueueJobs(r.Context())
	if err != nil {
		s.logger.Error("scheduler run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "scheduler failed")
		return
	}
	writeJSON(w, http.StatusOK, schedulerResponse{
		Enqueued: res.Enqueued,
		Skipped:  res.Skipped,
		Errors:   res.Errors,
		Failures: res.Failures,
		Message:  fmt.Sprintf("enqueued %d crawl jobs", res.Enqueued),
	})
}

// cronWorker runs one crawl batch bounded by the worker timeout. A batch cut
// short still answers 200 with what it finished.
func (s *Server) cronWorker(w http.ResponseWriter, r *http.Request) {
	n, err := parseBatch(r, s.deps.Worker.BatchSize(), s.cfg.MaxBatchSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WorkerTimeout)
	defer cancel()

	res, err := s.deps.Worker.ProcessQueueBatch(ctx, n)
	if err != nil {
		s.logger.Error("crawl batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "crawl batch failed")
		return
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	writeJSON(w, http.StatusOK, workerResponse{
		BatchResult: res,
		TimedOut:    timedOut,
		Message:     fmt.Sprintf("processed %d crawl jobs", res.Processed),
	})
}

func (s *Server) cronEmailWorker(w http.ResponseWriter, r *http.Request) {
	n, err := parseBatch(r, s.deps.Email.BatchSize(), s.cfg.MaxBatchSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.EmailTimeout)
	defer cancel()

	res, err := s.deps.Email.ProcessEmailQueue(ctx, n)
	if err != nil {
		s.logger.Error("email batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "email batch failed")
		return
	}
	writeJSON(w, http.StatusOK, emailResponse{
		BatchResult: res,
		TimedOut:    errors.Is(ctx.Err(), context.DeadlineExceeded),
		Message:     fmt.Sprintf("processed %d emails", res.Processed),
	})
}

func (s *Server) cronWeeklySummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DigestTimeout)
	defer cancel()

	res, err := s.deps.Digest.Run(ctx)
	if err != nil {
		s.logger.Error("weekly summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "weekly summary failed")
		return
	}
	writeJSON(w, http.StatusOK, digestResponse{
		Result:  res,
		Message: fmt.Sprintf("enqueued %d weekly summaries", res.Enqueued),
	})
}
