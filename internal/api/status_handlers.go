package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/pulse"
	"github.com/JakeFAU/marketpulse/internal/scheduler"
)

type statusResponse struct {
	Queue           pulse.QueueStats          `json:"queue"`
	Emails          *pulse.EmailStats         `json:"emails,omitempty"`
	Due             []scheduler.DueCompetitor `json:"due"`
	RecentSnapshots []pulse.PriceSnapshot     `json:"recent_snapshots"`
	RecentAlerts    []pulse.Alert             `json:"recent_alerts"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

// crawlStatus handles GET /api/crawl/status. It answers 500 when any of the
// reads fails.
func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), feedTimeout)
	defer cancel()

	limit := s.cfg.FeedLimit
	stats, err := s.deps.Scheduler.QueueStats(ctx)
	if err != nil {
		s.statusFailed(w, "queue stats", err)
		return
	}
	due, err := s.deps.Scheduler.CompetitorsDue(ctx, limit)
	if err != nil {
		s.statusFailed(w, "due competitors", err)
		return
	}
	snapshots, err := s.deps.Feed.RecentSnapshots(ctx, limit)
	if err != nil {
		s.statusFailed(w, "recent snapshots", err)
		return
	}
	alerts, err := s.deps.Feed.RecentAlerts(ctx, limit)
	if err != nil {
		s.statusFailed(w, "recent alerts", err)
		return
	}

	resp := statusResponse{
		Queue:           stats,
		Due:             nonNil(due),
		RecentSnapshots: nonNil(snapshots),
		RecentAlerts:    nonNil(alerts),
		GeneratedAt:     s.deps.Clock.Now().UTC(),
	}
	if s.deps.Email != nil {
		emailStats, err := s.deps.Email.Stats(ctx)
		if err != nil {
			s.statusFailed(w, "email stats", err)
			return
		}
		resp.Emails = &emailStats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusFailed(w http.ResponseWriter, what string, err error) {
	s.logger.Error("status feed read failed", zap.String("read", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
