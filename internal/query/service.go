package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service provides read-only access to the event log and the policies
// projection. It serves history and audit endpoints; live protocol state
// comes from the engine, not from here.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// EventRecord is one row of event history.
type EventRecord struct {
	Sequence           int64           `json:"sequence"`
	EventID            uuid.UUID       `json:"event_id"`
	EventType          string          `json:"event_type"`
	Payload            json.RawMessage `json:"payload"`
	TotalLiquidity     int64           `json:"total_liquidity"`
	TotalCoverage      int64           `json:"total_coverage"`
	AvailableLiquidity int64           `json:"available_liquidity"`
	CreatedAt          time.Time       `json:"created_at"`
}

// PolicyRecord is the projected current state of a policy.
type PolicyRecord struct {
	PolicyID       uint64 `json:"policy_id"`
	Holder         string `json:"holder"`
	Premium        int64  `json:"premium"`
	Coverage       int64  `json:"coverage"`
	StrikePrice    int64  `json:"strike_price"`
	StrikeDecimals int16  `json:"strike_decimals"`
	FeedID         string `json:"feed_id"`
	Category       string `json:"category"`
	StartTime      int64  `json:"start_time"`
	EndTime        int64  `json:"end_time"`
	Status         string `json:"status"`
}

// Events returns event history with cursor-based pagination: rows with
// sequence greater than afterSequence, ascending, at most limit. An empty
// eventType matches everything.
func (s *Service) Events(ctx context.Context, eventType string, afterSequence int64, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT sequence, event_id, event_type, payload,
		       total_liquidity, total_coverage, available_liquidity, created_at
		FROM event_log.events
		WHERE sequence > $1
	`
	args := []interface{}{afterSequence}
	argIdx := 2

	if eventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}

	query += " ORDER BY sequence ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(
			&r.Sequence, &r.EventID, &r.EventType, &r.Payload,
			&r.TotalLiquidity, &r.TotalCoverage, &r.AvailableLiquidity, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Policy returns the projected state of one policy, or sql.ErrNoRows.
func (s *Service) Policy(ctx context.Context, policyID uint64) (*PolicyRecord, error) {
	var r PolicyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT policy_id, holder, premium, coverage, strike_price, strike_decimals,
		       feed_id, category, start_time, end_time, status
		FROM projections.policies
		WHERE policy_id = $1
	`, policyID).Scan(
		&r.PolicyID, &r.Holder, &r.Premium, &r.Coverage, &r.StrikePrice,
		&r.StrikeDecimals, &r.FeedID, &r.Category, &r.StartTime, &r.EndTime, &r.Status,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// HolderPolicies returns every projected policy belonging to a holder,
// newest first.
func (s *Service) HolderPolicies(ctx context.Context, holder string) ([]PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, holder, premium, coverage, strike_price, strike_decimals,
		       feed_id, category, start_time, end_time, status
		FROM projections.policies
		WHERE holder = $1
		ORDER BY policy_id DESC
	`, holder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PolicyRecord
	for rows.Next() {
		var r PolicyRecord
		if err := rows.Scan(
			&r.PolicyID, &r.Holder, &r.Premium, &r.Coverage, &r.StrikePrice,
			&r.StrikeDecimals, &r.FeedID, &r.Category, &r.StartTime, &r.EndTime, &r.Status,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LastSequence returns the highest persisted sequence, 0 when the log is
// empty. Readers use it as a freshness watermark.
func (s *Service) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events`,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
