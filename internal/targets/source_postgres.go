package targets

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresSource reads targets and buyers maintained by the campaign admin service.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

const selectTargets = `SELECT id, campaign_id, name,
	endpoint_url, http_method, content_type, headers, timeout_ms,
	auth_type, auth_token, auth_username, auth_password, auth_header, auth_secret,
	request_template,
	path_bid_amount, path_destination, path_accepted, path_currency, path_duration,
	min_bid, max_bid, currency,
	max_concurrent_calls, daily_cap, hourly_cap, monthly_cap,
	is_active, timezone, hours_days, hours_open, hours_close,
	priority
FROM rtb_bid_targets WHERE campaign_id = $1`

func (s *PostgresSource) Targets(ctx context.Context, campaignID string) ([]BidTarget, error) {
	rows, err := s.db.QueryContext(ctx, selectTargets, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BidTarget
	for rows.Next() {
		var (
			t         BidTarget
			headers   []byte
			timeoutMS int64
			authType  string
			sched     scheduleColumns
		)
		if err := rows.Scan(
			&t.ID, &t.CampaignID, &t.Name,
			&t.Endpoint.URL, &t.Endpoint.Method, &t.Endpoint.ContentType, &headers, &timeoutMS,
			&authType, &t.Endpoint.Auth.Token, &t.Endpoint.Auth.Username, &t.Endpoint.Auth.Password,
			&t.Endpoint.Auth.HeaderName, &t.Endpoint.Auth.Secret,
			&t.RequestTemplate,
			&t.ResponsePaths.BidAmount, &t.ResponsePaths.DestinationNumber, &t.ResponsePaths.Accepted,
			&t.ResponsePaths.Currency, &t.ResponsePaths.Duration,
			&t.MinBid, &t.MaxBid, &t.Currency,
			&t.Capacity.MaxConcurrentCalls, &t.Capacity.DailyCap, &t.Capacity.HourlyCap, &t.Capacity.MonthlyCap,
			&sched.active, &sched.timezone, &sched.days, &sched.open, &sched.close,
			&t.Priority,
		); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &t.Endpoint.Headers); err != nil {
				return nil, fmt.Errorf("target %s headers: %w", t.ID, err)
			}
		}
		t.Endpoint.Timeout = time.Duration(timeoutMS) * time.Millisecond
		t.Endpoint.Auth.Type = AuthType(authType)
		t.ResponsePaths = t.ResponsePaths.WithDefaults()
		if t.Schedule, err = sched.schedule(); err != nil {
			return nil, fmt.Errorf("target %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectBuyers = `SELECT id, campaign_id, name, destination, priority,
	max_concurrent_calls, daily_cap, hourly_cap, monthly_cap,
	is_active, timezone, hours_days, hours_open, hours_close
FROM campaign_buyers WHERE campaign_id = $1`

func (s *PostgresSource) Buyers(ctx context.Context, campaignID string) ([]Buyer, error) {
	rows, err := s.db.QueryContext(ctx, selectBuyers, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Buyer
	for rows.Next() {
		var (
			b     Buyer
			sched scheduleColumns
		)
		if err := rows.Scan(
			&b.ID, &b.CampaignID, &b.Name, &b.Destination, &b.Priority,
			&b.Capacity.MaxConcurrentCalls, &b.Capacity.DailyCap, &b.Capacity.HourlyCap, &b.Capacity.MonthlyCap,
			&sched.active, &sched.timezone, &sched.days, &sched.open, &sched.close,
		); err != nil {
			return nil, err
		}
		if b.Schedule, err = sched.schedule(); err != nil {
			return nil, fmt.Errorf("buyer %s: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scheduleColumns struct {
	active   bool
	timezone sql.NullString
	days     sql.NullString
	open     sql.NullString
	close    sql.NullString
}

// schedule maps the nullable columns; hours_days is a comma list like "mon,tue".
func (c scheduleColumns) schedule() (Schedule, error) {
	s := Schedule{Active: c.active, Timezone: c.timezone.String}
	if !c.open.Valid || !c.close.Valid || c.open.String == "" || c.close.String == "" {
		return s, nil
	}
	h := &BusinessHours{Open: c.open.String, Close: c.close.String}
	if c.days.Valid && strings.TrimSpace(c.days.String) != "" {
		for _, part := range strings.Split(c.days.String, ",") {
			d, err := ParseWeekday(part)
			if err != nil {
				return Schedule{}, err
			}
			h.Days = append(h.Days, d)
		}
	}
	s.Hours = h
	return s, nil
}
