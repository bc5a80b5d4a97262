package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"adega/backend/internal/domain"
	"adega/backend/internal/finance"
)

// FinanceReport reconciles revenue, cost of goods and expenses for the given
// dates. Any storage fault fails the whole report with
// finance.ErrReportGeneration; there is no partial result.
func (s *Service) FinanceReport(ctx context.Context, startDate string, endDate string) (domain.FinanceReport, error) {
	window := s.window(startDate, endDate)
	key := finance.WindowKey(window)

	cached, generation, hit, err := s.cache.Get(ctx, key)
	cacheable := err == nil
	if err != nil {
		s.logger.Warn("finance report cache read failed", zap.String("window", key), zap.Error(err))
	} else if hit {
		return *cached, nil
	}

	sales, err := s.repo.ListCompletedSales(ctx, window)
	if err != nil {
		return domain.FinanceReport{}, s.reportFailure("list completed sales", err)
	}
	orders, err := s.repo.ListDeliveredOrders(ctx, window)
	if err != nil {
		return domain.FinanceReport{}, s.reportFailure("list delivered orders", err)
	}
	expenses, err := s.repo.ListExpenses(ctx, window)
	if err != nil {
		return domain.FinanceReport{}, s.reportFailure("list expenses", err)
	}

	report := s.calculator.Calculate(sales, orders, expenses)
	if cacheable {
		if err := s.cache.Set(ctx, key, generation, &report, s.reportTTL); err != nil {
			s.logger.Warn("finance report cache write failed", zap.String("window", key), zap.Error(err))
		}
	}
	return report, nil
}

func (s *Service) reportFailure(step string, err error) error {
	s.logger.Error("finance report failed", zap.String("step", step), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", finance.ErrReportGeneration, step, err)
}

// window resolves report-style date bounds, logging the ones it had to drop.
func (s *Service) window(startDate string, endDate string) domain.DateRange {
	window, ignored := finance.ResolveWindow(startDate, endDate)
	raw := map[string]string{"startDate": startDate, "endDate": endDate}
	for _, name := range ignored {
		s.logger.Warn("ignoring malformed date bound", zap.String("param", name), zap.String("value", raw[name]))
	}
	return window
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Expense{}, err
	}
	req.Description = strings.TrimSpace(req.Description)
	req.Category = strings.TrimSpace(req.Category)
	req.DueDate = strings.TrimSpace(req.DueDate)
	if err := s.check(req); err != nil {
		return domain.Expense{}, err
	}
	if req.Value.IsNegative() {
		return domain.Expense{}, invalid("value must not be negative")
	}

	var due *time.Time
	if req.DueDate != "" {
		parsed, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			return domain.Expense{}, invalid("due_date must be YYYY-MM-DD")
		}
		due = &parsed
	}

	actor, _ := ActorFromContext(ctx)
	created, err := s.repo.CreateExpense(ctx, domain.Expense{
		Description: req.Description,
		Category:    req.Category,
		Value:       req.Value,
		DueDate:     due,
		Paid:        req.Paid,
		CreatedBy:   actor.Username,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "expense_create", "expense", created.ID,
		fmt.Sprintf("description=%s,value=%s", created.Description, created.Value.StringFixed(2)))
	return *created, nil
}

func (s *Service) ListExpenses(ctx context.Context, startDate string, endDate string) ([]domain.Expense, error) {
	expenses, err := s.repo.ListExpenses(ctx, s.window(startDate, endDate))
	if err != nil {
		return nil, err
	}
	if expenses == nil {
		expenses = []domain.Expense{}
	}
	return expenses, nil
}
