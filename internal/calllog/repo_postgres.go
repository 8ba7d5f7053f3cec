package calllog

import (
	"context"
	"database/sql"
	"time"

	"telecom-rtb/pkg/utils"

	"github.com/shopspring/decimal"
)

// PostgresRepo writes to three append-only tables: call_events,
// routing_decisions (unique call_id, sequence) and rtb_auction_details.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const insertEvent = `INSERT INTO call_events
	(id, call_id, workspace_id, campaign_id, kind, name, message, actor_user_id, actor_role, ip_address, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, '')::jsonb, $12)`

func (r *PostgresRepo) AppendEvent(ctx context.Context, e CallEvent) error {
	_, err := r.db.ExecContext(ctx, insertEvent,
		e.ID, e.CallID, e.WorkspaceID, e.CampaignID, string(e.Kind), e.Name, e.Message,
		e.ActorUserID, e.ActorRole, e.IPAddress, e.Metadata, e.CreatedAt,
	)
	return err
}

const (
	lockCallSequence = `SELECT pg_advisory_xact_lock(hashtext($1))`
	nextSequence     = `SELECT COALESCE(MAX(sequence), 0) + 1 FROM routing_decisions WHERE call_id = $1`
	insertDecision   = `INSERT INTO routing_decisions
	(id, call_id, sequence, state, target_type, target_id, outcome, reason, response_time_ms, bid_amount, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
)

// AppendDecision serializes writers per call with a transaction-scoped advisory
// lock, so max+1 cannot hand out the same sequence twice.
func (r *PostgresRepo) AppendDecision(ctx context.Context, d RoutingDecision) (RoutingDecision, error) {
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, lockCallSequence, d.CallID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, nextSequence, d.CallID).Scan(&d.Sequence); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, insertDecision,
			d.ID, d.CallID, d.Sequence, d.State, string(d.TargetType), d.TargetID, string(d.Outcome),
			d.Reason, d.ResponseTime.Milliseconds(), nullDecimal(d.BidAmount), d.CreatedAt,
		)
		return err
	})
	if err != nil {
		return d, err
	}
	return d, nil
}

const insertAuction = `INSERT INTO rtb_auction_details
	(id, call_id, request_id, campaign_id, target_id, outcome, reason, status_code, bid_amount,
	 destination_number, currency, latency_ms, winner, raw_response, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func (r *PostgresRepo) AppendAuction(ctx context.Context, details []AuctionDetail) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, d := range details {
			if _, err := tx.ExecContext(ctx, insertAuction,
				d.ID, d.CallID, d.RequestID, d.CampaignID, d.TargetID, d.Outcome, d.Reason, d.StatusCode,
				nullDecimal(d.BidAmount), d.DestinationNumber, d.Currency, d.Latency.Milliseconds(),
				d.Winner, d.RawResponse, d.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

const (
	selectEvents = `SELECT id, call_id, workspace_id, campaign_id, kind, name, message,
	actor_user_id, actor_role, ip_address, COALESCE(metadata::text, ''), created_at
FROM call_events WHERE call_id = $1 ORDER BY created_at, id`
	selectDecisions = `SELECT id, call_id, sequence, state, target_type, target_id, outcome, reason,
	response_time_ms, bid_amount, created_at
FROM routing_decisions WHERE call_id = $1 ORDER BY sequence`
	selectAuctions = `SELECT id, call_id, request_id, campaign_id, target_id, outcome, reason, status_code,
	bid_amount, destination_number, currency, latency_ms, winner, raw_response, created_at
FROM rtb_auction_details WHERE call_id = $1 ORDER BY created_at, id`
)

// Flow is the single read-by-call query surface.
func (r *PostgresRepo) Flow(ctx context.Context, callID string) (CallFlow, error) {
	f := CallFlow{CallID: callID}

	rows, err := r.db.QueryContext(ctx, selectEvents, callID)
	if err != nil {
		return CallFlow{}, err
	}
	for rows.Next() {
		var e CallEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.CallID, &e.WorkspaceID, &e.CampaignID, &kind, &e.Name, &e.Message,
			&e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.Metadata, &e.CreatedAt); err != nil {
			rows.Close()
			return CallFlow{}, err
		}
		e.Kind = EventKind(kind)
		f.Events = append(f.Events, e)
	}
	if err := closeRows(rows); err != nil {
		return CallFlow{}, err
	}

	rows, err = r.db.QueryContext(ctx, selectDecisions, callID)
	if err != nil {
		return CallFlow{}, err
	}
	for rows.Next() {
		var (
			d          RoutingDecision
			targetType string
			outcome    string
			respMS     int64
			amount     decimal.NullDecimal
		)
		if err := rows.Scan(&d.ID, &d.CallID, &d.Sequence, &d.State, &targetType, &d.TargetID, &outcome,
			&d.Reason, &respMS, &amount, &d.CreatedAt); err != nil {
			rows.Close()
			return CallFlow{}, err
		}
		d.TargetType = TargetType(targetType)
		d.Outcome = DecisionOutcome(outcome)
		d.ResponseTime = time.Duration(respMS) * time.Millisecond
		d.BidAmount = fromNull(amount)
		f.Decisions = append(f.Decisions, d)
	}
	if err := closeRows(rows); err != nil {
		return CallFlow{}, err
	}

	rows, err = r.db.QueryContext(ctx, selectAuctions, callID)
	if err != nil {
		return CallFlow{}, err
	}
	for rows.Next() {
		var (
			a         AuctionDetail
			amount    decimal.NullDecimal
			latencyMS int64
		)
		if err := rows.Scan(&a.ID, &a.CallID, &a.RequestID, &a.CampaignID, &a.TargetID, &a.Outcome, &a.Reason,
			&a.StatusCode, &amount, &a.DestinationNumber, &a.Currency, &latencyMS, &a.Winner, &a.RawResponse,
			&a.CreatedAt); err != nil {
			rows.Close()
			return CallFlow{}, err
		}
		a.BidAmount = fromNull(amount)
		a.Latency = time.Duration(latencyMS) * time.Millisecond
		f.Auctions = append(f.Auctions, a)
	}
	if err := closeRows(rows); err != nil {
		return CallFlow{}, err
	}
	return f, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNull(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
