package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/session"
)

// RecordUsage appends one report. It satisfies session.UsageSink.
func (l *Ledger) RecordUsage(ctx context.Context, r session.UsageReport) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_reports (namespace, session_id, agent, registry_id, runtime, outcome, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Namespace, r.SessionID, r.Agent, r.Identifier.String(), string(r.Runtime), string(r.Outcome),
		r.Start.UTC().Format(time.RFC3339Nano), r.End.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", r.Agent, err)
	}
	return nil
}

// UsageBySession returns the reports of one session in start order.
func (l *Ledger) UsageBySession(ctx context.Context, sessionID string) ([]session.UsageReport, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT namespace, session_id, agent, registry_id, runtime, outcome, started_at, ended_at
		FROM usage_reports WHERE session_id = ? ORDER BY started_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()
	return scanReports(rows)
}

// RuntimeTotal aggregates launches for one runtime and outcome.
type RuntimeTotal struct {
	Runtime  exec.Kind
	Outcome  session.Outcome
	Launches int
	Duration time.Duration
}

// Totals aggregates every recorded launch by runtime and outcome.
func (l *Ledger) Totals(ctx context.Context) ([]RuntimeTotal, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT runtime, outcome, started_at, ended_at
		FROM usage_reports ORDER BY runtime, outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer rows.Close()

	var totals []RuntimeTotal
	index := make(map[[2]string]int)
	for rows.Next() {
		var runtime, outcome, started, ended string
		if err := rows.Scan(&runtime, &outcome, &started, &ended); err != nil {
			return nil, fmt.Errorf("usage scan error: %w", err)
		}
		start, end, err := parseWindow(started, ended)
		if err != nil {
			return nil, err
		}
		key := [2]string{runtime, outcome}
		i, ok := index[key]
		if !ok {
			i = len(totals)
			index[key] = i
			totals = append(totals, RuntimeTotal{Runtime: exec.Kind(runtime), Outcome: session.Outcome(outcome)})
		}
		totals[i].Launches++
		totals[i].Duration += end.Sub(start)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage rows error: %w", err)
	}
	return totals, nil
}

func scanReports(rows *sql.Rows) ([]session.UsageReport, error) {
	var out []session.UsageReport
	for rows.Next() {
		var (
			r                            session.UsageReport
			registryID, runtime, outcome string
			started, ended               string
		)
		if err := rows.Scan(&r.Namespace, &r.SessionID, &r.Agent, &registryID, &runtime, &outcome, &started, &ended); err != nil {
			return nil, fmt.Errorf("usage scan error: %w", err)
		}
		id, err := registry.ParseIdentifier(registryID)
		if err != nil {
			return nil, fmt.Errorf("stored registry id %q: %w", registryID, err)
		}
		r.Identifier = id
		r.Runtime = exec.Kind(runtime)
		r.Outcome = session.Outcome(outcome)
		if r.Start, r.End, err = parseWindow(started, ended); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage rows error: %w", err)
	}
	return out, nil
}

func parseWindow(started, ended string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stored start time %q: %w", started, err)
	}
	end, err := time.Parse(time.RFC3339Nano, ended)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stored end time %q: %w", ended, err)
	}
	return start, end, nil
}
