package bidding

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"telecom-rtb/internal/extract"
	"telecom-rtb/internal/targets"

	"github.com/benbjohnson/clock"
)

const (
	defaultBidTimeout = 1500 * time.Millisecond
	maxResponseBytes  = 64 << 10
)

// Client sends one bid request to one target and classifies what came back.
// It never retries and never touches capacity.
type Client struct {
	http           *http.Client
	clock          clock.Clock
	jwtIssuer      string
	defaultTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithClock(clk clock.Clock) Option     { return func(c *Client) { c.clock = clk } }
func WithJWTIssuer(iss string) Option      { return func(c *Client) { c.jwtIssuer = iss } }

// WithDefaultTimeout applies to targets without their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		http:           &http.Client{},
		clock:          clock.New(),
		defaultTimeout: defaultBidTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Timeout is the per-target budget before any auction deadline is applied.
func (c *Client) Timeout(t targets.BidTarget) time.Duration {
	if t.Endpoint.Timeout > 0 {
		return t.Endpoint.Timeout
	}
	return c.defaultTimeout
}

// Bid performs the outbound call bounded by timeout (the target's own timeout when
// zero). The returned response is always classified; Bid does not return errors.
func (c *Client) Bid(ctx context.Context, t targets.BidTarget, req BidRequest, timeout time.Duration) BidResponse {
	if timeout <= 0 {
		timeout = c.Timeout(t)
	}
	start := c.clock.Now()
	resp := BidResponse{
		RequestID: req.RequestID,
		TargetID:  t.ID,
		Priority:  t.Priority,
		Outcome:   OutcomeSubmitted,
	}
	finish := func(o Outcome, reason string, err error) BidResponse {
		resp.Outcome, resp.Reason, resp.Err = o, reason, err
		resp.ReceivedAt = c.clock.Now()
		resp.Latency = resp.ReceivedAt.Sub(start)
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.buildRequest(ctx, t, req, start)
	if err != nil {
		if errors.Is(err, errAuthConfig) {
			return finish(OutcomeError, ReasonAuth, errors.Join(ErrTargetUnreachable, err))
		}
		return finish(OutcomeError, ReasonRequest, errors.Join(ErrTargetUnreachable, err))
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return finish(OutcomeTimeout, ReasonTimeout, ErrTargetTimeout)
		}
		return finish(OutcomeError, ReasonTransport, errors.Join(ErrTargetUnreachable, err))
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	resp.StatusCode = httpResp.StatusCode
	if err != nil {
		if isTimeout(ctx, err) {
			return finish(OutcomeTimeout, ReasonTimeout, ErrTargetTimeout)
		}
		return finish(OutcomeError, ReasonTransport, errors.Join(ErrTargetUnreachable, err))
	}
	resp.RawBody = body

	switch {
	case httpResp.StatusCode == http.StatusNoContent:
		return finish(OutcomeRejected, ReasonNoBid, ErrTargetRejected)
	case httpResp.StatusCode < 200 || httpResp.StatusCode >= 300:
		return finish(OutcomeError, ReasonStatus, ErrBadStatus)
	case len(bytes.TrimSpace(body)) == 0:
		return finish(OutcomeRejected, ReasonNoBid, ErrTargetRejected)
	}

	fields, err := extract.Extract(body, t.ResponsePaths.WithDefaults())
	if err != nil {
		return finish(OutcomeError, ReasonMalformed, errors.Join(ErrTargetMalformed, err))
	}
	return c.classify(&resp, fields, t, req, finish)
}

func (c *Client) classify(resp *BidResponse, f extract.Fields, t targets.BidTarget, req BidRequest,
	finish func(Outcome, string, error) BidResponse) BidResponse {
	if f.DestinationNumber != nil {
		resp.DestinationNumber = *f.DestinationNumber
	}
	if f.Duration != nil {
		resp.RequiredDuration = *f.Duration
	}
	if f.BidAmount != nil {
		resp.BidAmount, resp.HasBid = *f.BidAmount, true
	}

	want := strings.ToUpper(req.Currency)
	if want == "" {
		want = strings.ToUpper(t.Currency)
	}
	resp.Currency = want
	if f.Currency != nil {
		resp.Currency = *f.Currency
		if want != "" && *f.Currency != want {
			return finish(OutcomeError, ReasonCurrency, ErrCurrencyMismatch)
		}
	}

	if f.Accepted != nil && !*f.Accepted {
		return finish(OutcomeRejected, ReasonDeclined, ErrTargetRejected)
	}
	if !resp.HasBid {
		return finish(OutcomeRejected, ReasonAmountMissing, ErrTargetRejected)
	}
	// Without an accepted path, a positive amount is the acceptance.
	if f.Accepted == nil && !resp.BidAmount.IsPositive() {
		return finish(OutcomeRejected, ReasonNoBid, ErrTargetRejected)
	}

	bounds := Bounds{Min: req.MinBid, Max: req.MaxBid}.Narrow(t.MinBid, t.MaxBid)
	if resp.BidAmount.LessThan(bounds.Min) {
		return finish(OutcomeRejected, ReasonBelowMinimum, ErrTargetRejected)
	}
	if !bounds.Contains(resp.BidAmount) {
		return finish(OutcomeRejected, ReasonAboveMaximum, ErrTargetRejected)
	}

	resp.Accepted = true
	return finish(OutcomeAccepted, "", nil)
}

func (c *Client) buildRequest(ctx context.Context, t targets.BidTarget, req BidRequest, now time.Time) (*http.Request, error) {
	method := strings.ToUpper(t.Endpoint.Method)
	if method == "" {
		method = http.MethodPost
	}
	contentType := t.Endpoint.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	enc := extract.EncodingFor(contentType)
	if method == http.MethodGet {
		enc = extract.EncodingForm
	}
	payload := extract.Render(t.RequestTemplate, req.Vars(now), enc)

	var httpReq *http.Request
	var err error
	if method == http.MethodGet {
		target := t.Endpoint.URL
		if payload != "" {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + payload
		}
		httpReq, err = http.NewRequestWithContext(ctx, method, target, nil)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, t.Endpoint.URL, strings.NewReader(payload))
		if err == nil {
			httpReq.Header.Set("Content-Type", contentType)
		}
	}
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.Endpoint.Headers {
		httpReq.Header.Set(k, v)
	}
	if err := c.applyAuth(httpReq, t, req.RequestID, now); err != nil {
		return nil, err
	}
	return httpReq, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	// Cancellation by the auction means the deadline fired upstream.
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
