package calllog

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepo_AppendDecisionAssignsNextSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	amt := decimal.RequireFromString("8.75")
	d := RoutingDecision{
		ID: "d1", CallID: "CA1", State: "DECIDED", TargetType: TargetRTB, TargetID: "t2",
		Outcome: OutcomeSelected, ResponseTime: 120 * time.Millisecond, BidAmount: &amt,
		CreatedAt: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockCallSequence)).WithArgs("CA1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(nextSequence)).WithArgs("CA1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta(insertDecision)).
		WithArgs("d1", "CA1", 3, "DECIDED", "rtb_target", "t2", "selected", "", int64(120), sqlmock.AnyArg(), d.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stored, err := NewPostgresRepo(db).AppendDecision(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_AppendDecisionRollsBackOnInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockCallSequence)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(nextSequence)).WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta(insertDecision)).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = NewPostgresRepo(db).AppendDecision(context.Background(), RoutingDecision{CallID: "CA1", State: "RECEIVED", Outcome: OutcomeSelected})
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Flow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(selectEvents)).WithArgs("CA1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "call_id", "workspace_id", "campaign_id", "kind", "name", "message",
			"actor_user_id", "actor_role", "ip_address", "metadata", "created_at"}).
			AddRow("e1", "CA1", "w1", "camp", "call_status", "ringing", "", "", "", "", "", at))
	mock.ExpectQuery(regexp.QuoteMeta(selectDecisions)).WithArgs("CA1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "call_id", "sequence", "state", "target_type", "target_id", "outcome",
			"reason", "response_time_ms", "bid_amount", "created_at"}).
			AddRow("d1", "CA1", int64(1), "RECEIVED", "", "", "selected", "", int64(0), nil, at).
			AddRow("d2", "CA1", int64(2), "DECIDED", "rtb_target", "t2", "selected", "", int64(95), "8.75", at))
	mock.ExpectQuery(regexp.QuoteMeta(selectAuctions)).WithArgs("CA1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "call_id", "request_id", "campaign_id", "target_id", "outcome", "reason",
			"status_code", "bid_amount", "destination_number", "currency", "latency_ms", "winner", "raw_response", "created_at"}).
			AddRow("a1", "CA1", "req-1", "camp", "t2", "accepted", "", int64(200), "8.75", "+18005550100", "USD", int64(95), true, `{}`, at))

	flow, err := NewPostgresRepo(db).Flow(context.Background(), "CA1")
	require.NoError(t, err)
	require.Len(t, flow.Events, 1)
	assert.Equal(t, EventKindCallStatus, flow.Events[0].Kind)
	require.Len(t, flow.Decisions, 2)
	assert.Nil(t, flow.Decisions[0].BidAmount)
	assert.True(t, flow.Decisions[1].BidAmount.Equal(decimal.RequireFromString("8.75")))
	assert.Equal(t, 95*time.Millisecond, flow.Decisions[1].ResponseTime)
	require.Len(t, flow.Auctions, 1)
	assert.True(t, flow.Auctions[0].Winner)
	require.NoError(t, mock.ExpectationsWereMet())
}
