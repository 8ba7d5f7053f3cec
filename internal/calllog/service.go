package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"telecom-rtb/internal/auction"
	"telecom-rtb/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var (
	// ErrLogWriteFailed marks every write failure. Callers routing a call ignore it.
	ErrLogWriteFailed = errors.New("calllog: write failed")
	ErrInvalidRecord  = errors.New("calllog: invalid record")
	ErrNotFound       = errors.New("calllog: no records for call")
)

// Repository is the persistence contract. It is append-only; there are no
// Update or Delete methods.
type Repository interface {
	AppendEvent(ctx context.Context, e CallEvent) error
	// AppendDecision assigns the next sequence number for d.CallID and stores d.
	AppendDecision(ctx context.Context, d RoutingDecision) (RoutingDecision, error)
	AppendAuction(ctx context.Context, details []AuctionDetail) error
	Flow(ctx context.Context, callID string) (CallFlow, error)
}

// FailureRecorder counts write failures by record kind. Implemented by internal/metrics.
type FailureRecorder interface {
	LogWriteFailed(kind string)
}

type nopFailures struct{}

func (nopFailures) LogWriteFailed(string) {}

type Service struct {
	repo     Repository
	clock    clock.Clock
	failures FailureRecorder
}

type Option func(*Service)

func WithClock(clk clock.Clock) Option             { return func(s *Service) { s.clock = clk } }
func WithFailureRecorder(f FailureRecorder) Option { return func(s *Service) { s.failures = f } }

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, clock: clock.New(), failures: nopFailures{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) RecordEvent(ctx context.Context, e CallEvent) error {
	if e.CallID == "" || e.Kind == "" {
		return s.fail(ctx, "event", e.CallID, ErrInvalidRecord)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.repo.AppendEvent(ctx, e); err != nil {
		return s.fail(ctx, "event", e.CallID, err)
	}
	return nil
}

// RecordDecision stores d with the next sequence number for its call and returns
// the stored record.
func (s *Service) RecordDecision(ctx context.Context, d RoutingDecision) (RoutingDecision, error) {
	if d.CallID == "" || d.State == "" || d.Outcome == "" {
		return d, s.fail(ctx, "decision", d.CallID, ErrInvalidRecord)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now().UTC()
	}
	stored, err := s.repo.AppendDecision(ctx, d)
	if err != nil {
		return d, s.fail(ctx, "decision", d.CallID, err)
	}
	return stored, nil
}

// RecordAuction stores one detail row per bid response of res. res.Winner
// marks the response the call was assigned to, -1 when none was.
func (s *Service) RecordAuction(ctx context.Context, callID, campaignID string, res auction.Result) error {
	if callID == "" {
		return s.fail(ctx, "auction", callID, ErrInvalidRecord)
	}
	if len(res.Responses) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	details := make([]AuctionDetail, 0, len(res.Responses))
	for i, r := range res.Responses {
		d := AuctionDetail{
			ID:                uuid.NewString(),
			CallID:            callID,
			RequestID:         res.RequestID,
			CampaignID:        campaignID,
			TargetID:          r.TargetID,
			Outcome:           string(r.Outcome),
			Reason:            r.Reason,
			StatusCode:        r.StatusCode,
			DestinationNumber: r.DestinationNumber,
			Currency:          r.Currency,
			Latency:           r.Latency,
			Winner:            i == res.Winner,
			RawResponse:       string(r.RawBody),
			CreatedAt:         r.ReceivedAt.UTC(),
		}
		if r.HasBid {
			amt := r.BidAmount
			d.BidAmount = &amt
		}
		if r.ReceivedAt.IsZero() {
			d.CreatedAt = now
		}
		details = append(details, d)
	}
	if err := s.repo.AppendAuction(ctx, details); err != nil {
		return s.fail(ctx, "auction", callID, err)
	}
	return nil
}

// RecordSummary appends the final summary event for a call.
func (s *Service) RecordSummary(ctx context.Context, sum Summary) error {
	meta, err := json.Marshal(sum)
	if err != nil {
		return s.fail(ctx, "summary", sum.CallID, err)
	}
	return s.RecordEvent(ctx, CallEvent{
		CallID:      sum.CallID,
		WorkspaceID: sum.WorkspaceID,
		CampaignID:  sum.CampaignID,
		Kind:        EventKindSummary,
		Name:        sum.FinalState,
		Message:     sum.Reason,
		Metadata:    string(meta),
	})
}

// Flow returns every record for callID, ordered for display.
func (s *Service) Flow(ctx context.Context, callID string) (CallFlow, error) {
	if callID == "" {
		return CallFlow{}, ErrInvalidRecord
	}
	f, err := s.repo.Flow(ctx, callID)
	if err != nil {
		return CallFlow{}, err
	}
	if len(f.Events) == 0 && len(f.Decisions) == 0 && len(f.Auctions) == 0 {
		return CallFlow{}, ErrNotFound
	}
	f.CallID = callID
	sort.SliceStable(f.Events, func(i, j int) bool { return f.Events[i].CreatedAt.Before(f.Events[j].CreatedAt) })
	sort.SliceStable(f.Auctions, func(i, j int) bool { return f.Auctions[i].CreatedAt.Before(f.Auctions[j].CreatedAt) })
	sort.SliceStable(f.Decisions, func(i, j int) bool { return f.Decisions[i].Sequence < f.Decisions[j].Sequence })
	return f, nil
}

func (s *Service) fail(ctx context.Context, kind, callID string, err error) error {
	s.failures.LogWriteFailed(kind)
	logger.From(ctx).Error("calllog: write failed",
		slog.String("kind", kind),
		slog.String("call_id", callID),
		slog.String("err", err.Error()),
	)
	return fmt.Errorf("%w: %s: %w", ErrLogWriteFailed, kind, err)
}
