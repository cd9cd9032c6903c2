package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/settings"
)

// IssueType classifies an audit finding.
type IssueType string

const (
	IssueNegativeStock        IssueType = "NEGATIVE_STOCK"
	IssueReservedExceedsTotal IssueType = "RESERVED_EXCEEDS_TOTAL"
	IssueLedgerDrift          IssueType = "LEDGER_DRIFT"
	IssueOrphanedOrder        IssueType = "ORPHANED_ORDER"
	IssueStuckPaid            IssueType = "STUCK_PAID"
)

// Issue is one audit finding.
type Issue struct {
	Type    IssueType      `json:"type"`
	Entity  string         `json:"entity"`
	ID      string         `json:"id"`
	Details map[string]any `json:"details"`
}

// Report is what the audit stores under settings.KeyReconciliationIssues.
type Report struct {
	RequestID string    `json:"request_id"`
	CheckedAt time.Time `json:"checked_at"`
	Count     int       `json:"count"`
	Issues    []Issue   `json:"issues"`
}

// ledgerIssues classifies one inconsistent row. A row can break several
// invariants at once.
func ledgerIssues(row inventory.Row) []Issue {
	id := row.WarehouseID + "/" + row.VariantID
	details := map[string]any{
		"warehouse_id": row.WarehouseID,
		"variant_id":   row.VariantID,
		"available":    row.Available,
		"reserved":     row.Reserved,
		"on_hand":      row.OnHand,
	}
	var out []Issue
	if row.Available < 0 {
		out = append(out, Issue{Type: IssueNegativeStock, Entity: "inventory", ID: id, Details: details})
	}
	if row.Reserved > row.OnHand {
		out = append(out, Issue{Type: IssueReservedExceedsTotal, Entity: "inventory", ID: id, Details: details})
	}
	if row.Available+row.Reserved != row.OnHand {
		out = append(out, Issue{Type: IssueLedgerDrift, Entity: "inventory", ID: id, Details: details})
	}
	return out
}

// audit records invariant violations. It never changes orders, intents or
// stock; the only writes are the report keys and the archive.
func (r *Reconciler) audit(ctx context.Context, log *slog.Logger, res *Result) error {
	now := r.clock()

	rows, err := r.auditor.Inconsistent(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: scan ledger: %w", err)
	}
	for _, row := range rows {
		res.Processed++
		res.Issues = append(res.Issues, ledgerIssues(row)...)
	}

	orphaned, err := r.orders.ListOrphaned(ctx, now.Add(-r.cfg.ZombieAge), database.Cursor{}, r.cfg.AuditLimit)
	if err != nil {
		return fmt.Errorf("reconcile: scan orphaned orders: %w", err)
	}
	for _, o := range orphaned {
		res.Processed++
		res.Issues = append(res.Issues, Issue{Type: IssueOrphanedOrder, Entity: "order", ID: o.ID, Details: map[string]any{
			"created_at":     o.CreatedAt,
			"payment_method": o.PaymentMethod,
		}})
	}

	stuck, err := r.orders.ListStuckPaid(ctx, now.Add(-r.cfg.StuckPaidAge), r.cfg.AuditLimit)
	if err != nil {
		return fmt.Errorf("reconcile: scan stuck orders: %w", err)
	}
	for _, o := range stuck {
		res.Processed++
		res.Issues = append(res.Issues, Issue{Type: IssueStuckPaid, Entity: "order", ID: o.ID, Details: map[string]any{
			"paid_since":  o.UpdatedAt,
			"total_cents": o.TotalCents,
		}})
	}
	res.Succeeded = res.Processed

	report := Report{RequestID: res.RequestID, CheckedAt: now, Count: len(res.Issues), Issues: res.Issues}
	if report.Issues == nil {
		report.Issues = []Issue{}
	}
	if len(res.Issues) > 0 {
		log.WarnContext(ctx, "reconciliation found issues", "count", len(res.Issues))
	}
	if _, err := settings.PutJSON(ctx, r.settings, settings.KeyReconciliationIssues, report); err != nil {
		return fmt.Errorf("reconcile: store issues: %w", err)
	}
	if _, err := settings.PutJSON(ctx, r.settings, settings.KeyLastReconciliation, map[string]any{
		"timestamp":  now,
		"request_id": res.RequestID,
	}); err != nil {
		return fmt.Errorf("reconcile: store last run: %w", err)
	}

	if r.sink != nil {
		body, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("reconcile: encode report: %w", err)
		}
		key := fmt.Sprintf("reconciliation/%s/%s.json", now.UTC().Format("2006/01/02"), now.UTC().Format("150405"))
		if err := r.sink.Put(ctx, key, body, "application/json"); err != nil {
			// The report is already stored in settings.
			log.WarnContext(ctx, "archive report failed", "key", key, "error", err)
		}
	}
	return nil
}

// LastReport reads the most recent audit report.
func LastReport(ctx context.Context, st settings.Store) (*Report, error) {
	var rep Report
	if _, err := settings.GetJSON(ctx, st, settings.KeyReconciliationIssues, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
