package auction

import (
	"sort"

	"telecom-rtb/internal/bidding"
)

// Rank returns the indexes of winnable responses, best first. Only accepted
// responses with an amount inside bounds qualify. Order is amount desc, then
// latency asc, priority desc, target id asc, so arrival order never matters.
func Rank(responses []bidding.BidResponse, bounds bidding.Bounds) []int {
	out := make([]int, 0, len(responses))
	for i, r := range responses {
		if r.Outcome != bidding.OutcomeAccepted || !r.Accepted || !r.HasBid {
			continue
		}
		if !bounds.Contains(r.BidAmount) {
			continue
		}
		out = append(out, i)
	}
	sort.SliceStable(out, func(a, b int) bool {
		x, y := responses[out[a]], responses[out[b]]
		if c := x.BidAmount.Cmp(y.BidAmount); c != 0 {
			return c > 0
		}
		if x.Latency != y.Latency {
			return x.Latency < y.Latency
		}
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		return x.TargetID < y.TargetID
	})
	return out
}
