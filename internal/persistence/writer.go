package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"FlareShield/internal/event"
	"FlareShield/internal/policy"
)

// Writer persists committed protocol events and the policies projection to
// Postgres using multi-row INSERTs. The event log is append-only; ON
// CONFLICT DO NOTHING makes replays after a crash idempotent.
type Writer struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence           int64
	EventID            uuid.UUID
	EventType          string
	Payload            []byte
	TotalLiquidity     int64
	TotalCoverage      int64
	AvailableLiquidity int64
	Timestamp          time.Time
}

// PolicyRow is a row in projections.policies, upserted on every
// policy-lifecycle event so reads never have to fold the log.
type PolicyRow struct {
	PolicyID       uint64
	Holder         string
	Premium        int64
	Coverage       int64
	StrikePrice    int64
	StrikeDecimals int16
	FeedID         string
	Category       string
	StartTime      int64
	EndTime        int64
	Status         string
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

func (w *Writer) DB() *sql.DB {
	return w.db
}

// WriteEventBatch appends a batch to event_log.events inside tx.
func (w *Writer) WriteEventBatch(ctx context.Context, tx *sql.Tx, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, payload, total_liquidity, total_coverage, available_liquidity, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Sequence, r.EventID, r.EventType, r.Payload,
			r.TotalLiquidity, r.TotalCoverage, r.AvailableLiquidity, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// collapsePolicyRows folds rows sharing a policy id into one row per
// policy, keeping the earliest row's attributes and the latest row's
// status. A single INSERT whose ON CONFLICT clause would update the same
// row twice is rejected by Postgres (error 21000), so a batch carrying
// both PolicyCreated and PolicyClaimed for one policy must be collapsed
// before it reaches the statement.
func collapsePolicyRows(rows []PolicyRow) []PolicyRow {
	if len(rows) < 2 {
		return rows
	}
	collapsed := make([]PolicyRow, 0, len(rows))
	index := make(map[uint64]int, len(rows))
	for _, r := range rows {
		if i, ok := index[r.PolicyID]; ok {
			collapsed[i].Status = r.Status
			continue
		}
		index[r.PolicyID] = len(collapsed)
		collapsed = append(collapsed, r)
	}
	return collapsed
}

// UpsertPolicyBatch writes the policies projection inside tx. Later
// lifecycle events overwrite the status of earlier ones.
func (w *Writer) UpsertPolicyBatch(ctx context.Context, tx *sql.Tx, rows []PolicyRow) error {
	rows = collapsePolicyRows(rows)
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO projections.policies
		(policy_id, holder, premium, coverage, strike_price, strike_decimals, feed_id, category, start_time, end_time, status)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*11)

	for i, r := range rows {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			r.PolicyID, r.Holder, r.Premium, r.Coverage, r.StrikePrice,
			r.StrikeDecimals, r.FeedID, r.Category, r.StartTime, r.EndTime, r.Status,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (policy_id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// ToEventRow converts an engine envelope into its storage form.
func ToEventRow(env event.Envelope) (EventRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal payload seq=%d: %w", env.Sequence, err)
	}
	return EventRow{
		Sequence:           env.Sequence,
		EventID:            env.ID,
		EventType:          env.EventName,
		Payload:            payload,
		TotalLiquidity:     env.TotalLiquidity,
		TotalCoverage:      env.TotalCoverage,
		AvailableLiquidity: env.AvailableLiquidity,
		Timestamp:          env.Timestamp,
	}, nil
}

// ToPolicyRow derives a projection upsert from a policy-lifecycle envelope.
// Returns false for envelopes that do not touch a policy.
func ToPolicyRow(env event.Envelope) (PolicyRow, bool) {
	switch p := env.Payload.(type) {
	case event.PolicyCreated:
		return PolicyRow{
			PolicyID:       p.PolicyID,
			Holder:         p.Holder,
			Premium:        p.Premium,
			Coverage:       p.Coverage,
			StrikePrice:    p.StrikePrice,
			StrikeDecimals: int16(p.StrikeDecimals),
			FeedID:         p.FeedID,
			Category:       p.Category,
			StartTime:      p.StartTime,
			EndTime:        p.EndTime,
			Status:         string(policy.StatusActive),
		}, true

	case event.PolicyClaimed:
		return PolicyRow{
			PolicyID: p.PolicyID,
			Holder:   p.Holder,
			Coverage: p.Payout,
			Status:   string(policy.StatusClaimed),
		}, true

	case event.PolicyExpired:
		return PolicyRow{
			PolicyID: p.PolicyID,
			Holder:   p.Holder,
			Coverage: p.Coverage,
			Status:   string(policy.StatusExpired),
		}, true
	}
	return PolicyRow{}, false
}
