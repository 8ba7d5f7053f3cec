package auction

import (
	"math/rand"
	"testing"
	"time"

	"telecom-rtb/internal/bidding"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func accepted(id, amount string, latency time.Duration, priority int) bidding.BidResponse {
	return bidding.BidResponse{
		TargetID:  id,
		Outcome:   bidding.OutcomeAccepted,
		Accepted:  true,
		HasBid:    true,
		BidAmount: decimal.RequireFromString(amount),
		Latency:   latency,
		Priority:  priority,
	}
}

func TestRank_TieBreakOrder(t *testing.T) {
	bounds := bidding.Bounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(20)}
	base := []bidding.BidResponse{
		accepted("e", "5.00", 30*time.Millisecond, 1),
		accepted("d", "5.00", 20*time.Millisecond, 1),
		accepted("c", "5.00", 20*time.Millisecond, 3),
		accepted("b", "5.00", 20*time.Millisecond, 3),
		accepted("a", "4.99", 1*time.Millisecond, 9),
		accepted("z", "7.00", 90*time.Millisecond, 0),
	}
	want := []string{"z", "b", "c", "d", "e", "a"}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		shuffled := append([]bidding.BidResponse(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		var got []string
		for _, idx := range Rank(shuffled, bounds) {
			got = append(got, shuffled[idx].TargetID)
		}
		assert.Equal(t, want, got)
	}
}

func TestRank_SkipsNonAcceptedAndOutOfBounds(t *testing.T) {
	bounds := bidding.Bounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(10)}
	rs := []bidding.BidResponse{
		{TargetID: "rej", Outcome: bidding.OutcomeRejected, HasBid: true, BidAmount: decimal.NewFromInt(9)},
		{TargetID: "late", Outcome: bidding.OutcomeTimeout, HasBid: true, BidAmount: decimal.NewFromInt(9)},
		accepted("high", "12.50", time.Millisecond, 1),
		accepted("ok", "8.75", time.Millisecond, 1),
	}
	assert.Equal(t, []int{3}, Rank(rs, bounds))
}
