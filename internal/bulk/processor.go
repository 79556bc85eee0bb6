// Package bulk registers a batch of profiles row by row and collects a ledger
// of per-row outcomes. A failing row never aborts the batch.
package bulk

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/metrics"
	"schoolportal/identity/internal/model"
	"schoolportal/identity/internal/registration"
)

// Registrar is the part of the registration orchestrator the processor needs.
type Registrar interface {
	Register(ctx context.Context, role model.Role, profile model.Profile) (registration.Result, error)
}

// Row is one input line. Err is set when the line could not be mapped to a
// profile; such rows are recorded as failures without calling the registrar.
type Row struct {
	Number  int
	Profile model.Profile
	Err     error
}

type Result struct {
	Row      int            `json:"row"`
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Success  bool           `json:"success"`
	ID       string         `json:"id,omitempty"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	Error    string         `json:"error,omitempty"`
	Reason   apperrors.Code `json:"reason,omitempty"`
}

type Ledger struct {
	Results   []Result `json:"results"`
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

type Processor struct {
	Registrar   Registrar
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Process runs every row and returns results in input order.
func (p *Processor) Process(ctx context.Context, role model.Role, rows []Row) Ledger {
	results := make([]Result, len(rows))

	if p.Concurrency <= 1 {
		for i, row := range rows {
			results[i] = p.processRow(ctx, role, row)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(p.Concurrency)
		for i, row := range rows {
			i, row := i, row
			g.Go(func() error {
				results[i] = p.processRow(ctx, role, row)
				return nil
			})
		}
		_ = g.Wait()
	}

	ledger := Ledger{Results: results, Total: len(results)}
	for _, r := range results {
		if r.Success {
			ledger.Succeeded++
		} else {
			ledger.Failed++
		}
	}
	p.logger().Info("bulk import finished",
		"role", role,
		"total", ledger.Total,
		"succeeded", ledger.Succeeded,
		"failed", ledger.Failed,
	)
	return ledger
}

func (p *Processor) processRow(ctx context.Context, role model.Role, row Row) Result {
	result := Result{Row: row.Number, Name: row.Profile.Name, Email: row.Profile.Email}

	err := row.Err
	if err == nil {
		var reg registration.Result
		reg, err = p.Registrar.Register(ctx, role, row.Profile)
		if err == nil {
			result.Success = true
			result.ID = reg.Identity.ID
			result.Username = reg.Credentials.Username
			result.Password = reg.Credentials.Password
			result.Email = reg.Identity.Email
			result.Name = reg.Identity.Name
		}
	}
	if err != nil {
		result.Reason = apperrors.CodeOf(err)
		result.Error = apperrors.MessageOf(err)
		p.logger().Warn("bulk row failed", "row", row.Number, "reason", result.Reason, "error", err.Error())
	}
	if p.Metrics != nil {
		p.Metrics.BulkRows.WithLabelValues(metrics.Outcome(string(result.Reason))).Inc()
	}
	return result
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
