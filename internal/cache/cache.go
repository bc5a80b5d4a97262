package cache

import (
	"context"
	"time"

	"adega/backend/internal/domain"
)

// ReportCache stores finance reports by window key. Invalidate drops every
// cached report at once; it is called after any write that feeds the report.
//
// Get also returns the generation it read under. Set must be given that
// generation so a report computed before an Invalidate is never served after
// it.
type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.FinanceReport, int64, bool, error)
	Set(ctx context.Context, key string, generation int64, value *domain.FinanceReport, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.FinanceReport, int64, bool, error) {
	return nil, 0, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ int64, _ *domain.FinanceReport, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context) error {
	return nil
}
