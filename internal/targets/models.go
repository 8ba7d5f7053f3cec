package targets

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"telecom-rtb/internal/extract"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("targets: not found")
	ErrInvalidSchedule = errors.New("targets: invalid schedule")
)

// Kind distinguishes the two capacity-bearing destination types.
type Kind string

const (
	KindBuyer     Kind = "buyer"
	KindRTBTarget Kind = "rtb_target"
)

// Ref identifies one capacity-bearing destination.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
	AuthJWT    AuthType = "jwt"
)

// Auth is the outbound credential a bidder expects.
type Auth struct {
	Type       AuthType
	Token      string
	Username   string
	Password   string
	HeaderName string
	Secret     string
}

type Endpoint struct {
	URL         string
	Method      string
	ContentType string
	Headers     map[string]string
	// Timeout of zero means the service default.
	Timeout time.Duration
	Auth    Auth
}

// Capacity caps. Zero means unlimited.
type Capacity struct {
	MaxConcurrentCalls int
	DailyCap           int
	HourlyCap          int
	MonthlyCap         int
}

// Usage is the current counter state for a Ref.
type Usage struct {
	Concurrent int
	Daily      int
	Hourly     int
	Monthly    int
}

// Allows reports whether one more call fits under every cap.
func (c Capacity) Allows(u Usage) bool {
	return under(u.Concurrent, c.MaxConcurrentCalls) &&
		under(u.Daily, c.DailyCap) &&
		under(u.Hourly, c.HourlyCap) &&
		under(u.Monthly, c.MonthlyCap)
}

func under(n, limit int) bool { return limit <= 0 || n < limit }

// BusinessHours is a daily window in the schedule's timezone. Close before Open
// means the window runs past midnight. Days empty means every day; for overnight
// windows the day is the one on which the window opened.
type BusinessHours struct {
	Days  []time.Weekday
	Open  string
	Close string
}

type Schedule struct {
	Active   bool
	Timezone string
	Hours    *BusinessHours
}

// OpenAt reports whether the schedule admits calls at now.
func (s Schedule) OpenAt(now time.Time) (bool, error) {
	if !s.Active {
		return false, nil
	}
	if s.Hours == nil {
		return true, nil
	}

	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return false, fmt.Errorf("%w: timezone %q", ErrInvalidSchedule, s.Timezone)
		}
		loc = l
	}
	open, err := parseClock(s.Hours.Open)
	if err != nil {
		return false, err
	}
	closeAt, err := parseClock(s.Hours.Close)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	switch {
	case open == closeAt:
		return s.Hours.onDay(day), nil
	case open < closeAt:
		return minute >= open && minute < closeAt && s.Hours.onDay(day), nil
	default:
		if minute >= open {
			return s.Hours.onDay(day), nil
		}
		if minute < closeAt {
			return s.Hours.onDay(prevDay(day)), nil
		}
		return false, nil
	}
}

func (h BusinessHours) onDay(d time.Weekday) bool {
	if len(h.Days) == 0 {
		return true
	}
	for _, x := range h.Days {
		if x == d {
			return true
		}
	}
	return false
}

func prevDay(d time.Weekday) time.Weekday { return (d + 6) % 7 }

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: clock %q", ErrInvalidSchedule, v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseWeekday accepts "mon", "monday", "Mon" and so on.
func ParseWeekday(v string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if len(s) >= 3 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if s == name || s == name[:3] {
				return d, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: weekday %q", ErrInvalidSchedule, v)
}

// BidTarget is an external RTB endpoint bidding for a campaign's calls.
type BidTarget struct {
	ID         string
	CampaignID string
	Name       string

	Endpoint        Endpoint
	RequestTemplate string
	ResponsePaths   extract.PathSpec

	MinBid   decimal.Decimal
	MaxBid   decimal.Decimal
	Currency string

	Capacity Capacity
	Schedule Schedule
	Priority int
}

func (t BidTarget) Ref() Ref { return Ref{Kind: KindRTBTarget, ID: t.ID} }

// Buyer is a static destination on a campaign.
type Buyer struct {
	ID          string
	CampaignID  string
	Name        string
	Destination string
	Priority    int
	Capacity    Capacity
	Schedule    Schedule
}

func (b Buyer) Ref() Ref { return Ref{Kind: KindBuyer, ID: b.ID} }
