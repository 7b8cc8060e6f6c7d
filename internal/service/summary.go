package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// CompletedSource lists completed signals by exit time.
type CompletedSource interface {
	ListCompletedBetween(ctx context.Context, from, to time.Time) ([]domain.Signal, error)
}

// SummaryArchiver stores a built daily summary.
type SummaryArchiver interface {
	PutSummary(ctx context.Context, summary domain.DailySummary) error
}

// SummaryBroadcaster asks the bot service to send a summary to users.
type SummaryBroadcaster interface {
	SendDailySummary(ctx context.Context, date time.Time) error
}

// SummaryService builds per-day reports of completed signals.
type SummaryService struct {
	signals     CompletedSource
	archive     SummaryArchiver
	broadcaster SummaryBroadcaster
	logger      *slog.Logger
}

// NewSummaryService creates a SummaryService. archive and broadcaster may be
// nil.
func NewSummaryService(signals CompletedSource, archive SummaryArchiver, broadcaster SummaryBroadcaster, logger *slog.Logger) *SummaryService {
	return &SummaryService{
		signals:     signals,
		archive:     archive,
		broadcaster: broadcaster,
		logger:      logger.With(slog.String("component", "summary")),
	}
}

// Daily returns the signals whose exit time falls on date's UTC calendar day
// and the sum of their profit percentages.
func (s *SummaryService) Daily(ctx context.Context, date time.Time) (domain.DailySummary, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	signals, err := s.signals.ListCompletedBetween(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return domain.DailySummary{}, fmt.Errorf("summary: list completed for %s: %w", day.Format(time.DateOnly), err)
	}

	summary := domain.DailySummary{Date: day, Signals: signals}
	for _, sig := range signals {
		if sig.ProfitPercentage != nil {
			summary.TotalProfit += *sig.ProfitPercentage
		}
	}
	return summary, nil
}

// Publish builds the summary for date, archives it and asks the bot service
// to broadcast it. Archive and broadcast failures are logged, not returned.
func (s *SummaryService) Publish(ctx context.Context, date time.Time) (domain.DailySummary, error) {
	summary, err := s.Daily(ctx, date)
	if err != nil {
		return summary, err
	}

	if s.archive != nil {
		if err := s.archive.PutSummary(ctx, summary); err != nil {
			s.logger.WarnContext(ctx, "summary: archive failed", slog.Any("error", err))
		}
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.SendDailySummary(ctx, summary.Date); err != nil {
			s.logger.WarnContext(ctx, "summary: broadcast failed", slog.Any("error", err))
		}
	}

	s.logger.InfoContext(ctx, "summary: published",
		slog.String("date", summary.Date.Format(time.DateOnly)),
		slog.Int("signals", len(summary.Signals)),
		slog.Float64("total_profit", summary.TotalProfit),
	)
	return summary, nil
}
