package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"telecom-rtb/internal/auction"
	"telecom-rtb/internal/bidding"
	"telecom-rtb/internal/calllog"
	"telecom-rtb/internal/routing"
	"telecom-rtb/internal/targets"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ auction.Recorder        = (*Metrics)(nil)
	_ routing.Recorder        = (*Metrics)(nil)
	_ calllog.FailureRecorder = (*Metrics)(nil)
)

func TestMetrics_Counters(t *testing.T) {
	m := New("rtb")

	m.ObserveAuction("camp", 120*time.Millisecond, 3, true, true)
	m.ObserveAuction("camp", 80*time.Millisecond, 0, false, false)
	m.ObserveBid(bidding.OutcomeAccepted, 40*time.Millisecond)
	m.ObserveBid(bidding.OutcomeTimeout, 200*time.Millisecond)
	m.ObserveBid(bidding.OutcomeTimeout, 200*time.Millisecond)
	m.ObserveRoute("rtb", routing.StateAssigned, routing.ReasonReserved, 150*time.Millisecond)
	m.ObserveRoute("", routing.StateExhausted, routing.ReasonCampaignNotFound, time.Millisecond)
	m.ObserveRelease(targets.KindBuyer)
	m.LogWriteFailed("decision")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.auctions.WithLabelValues("won", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auctions.WithLabelValues("no_winner", "false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.bids.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("none", "EXHAUSTED", "campaign_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.releases.WithLabelValues("buyer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logFailures.WithLabelValues("decision")))
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	m := New("rtb")
	m.RegisterCampaignCache("rtb", func() (uint64, uint64) { return 7, 2 })
	m.LogWriteFailed("event")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, `rtb_calllog_write_failures_total{kind="event"} 1`), body)
	assert.True(t, strings.Contains(body, "rtb_campaign_cache_hits_total 7"), body)
	assert.True(t, strings.Contains(body, "rtb_campaign_cache_misses_total 2"), body)
}
