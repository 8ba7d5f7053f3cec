// Package catalog loads a YAML seed of campaigns, bid targets, buyers and
// overrides into the in-memory stores. It backs local and dev runs without Postgres.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"telecom-rtb/internal/campaigns"
	"telecom-rtb/internal/extract"
	"telecom-rtb/internal/routing"
	"telecom-rtb/internal/targets"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrInvalidCatalog = errors.New("catalog: invalid catalog")

type File struct {
	Campaigns []campaigns.Campaign `yaml:"campaigns"`
	Targets   []Target             `yaml:"rtb_targets"`
	Buyers    []Buyer              `yaml:"buyers"`
	Overrides []routing.Override   `yaml:"overrides"`
}

type Auth struct {
	Type       string `yaml:"type"`
	Token      string `yaml:"token"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	HeaderName string `yaml:"header_name"`
	Secret     string `yaml:"secret"`
}

type Capacity struct {
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	DailyCap           int `yaml:"daily_cap"`
	HourlyCap          int `yaml:"hourly_cap"`
	MonthlyCap         int `yaml:"monthly_cap"`
}

type Hours struct {
	Days  []string `yaml:"days"`
	Open  string   `yaml:"open"`
	Close string   `yaml:"close"`
}

type Schedule struct {
	// Active defaults to true when omitted.
	Active   *bool  `yaml:"active"`
	Timezone string `yaml:"timezone"`
	Hours    *Hours `yaml:"hours"`
}

type Target struct {
	ID              string            `yaml:"id"`
	CampaignID      string            `yaml:"campaign_id"`
	Name            string            `yaml:"name"`
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"`
	ContentType     string            `yaml:"content_type"`
	Headers         map[string]string `yaml:"headers"`
	Timeout         time.Duration     `yaml:"timeout"`
	Auth            Auth              `yaml:"auth"`
	RequestTemplate string            `yaml:"request_template"`
	ResponsePaths   extract.PathSpec  `yaml:"response_paths"`
	MinBid          string            `yaml:"min_bid"`
	MaxBid          string            `yaml:"max_bid"`
	Currency        string            `yaml:"currency"`
	Capacity        Capacity          `yaml:"capacity"`
	Schedule        Schedule          `yaml:"schedule"`
	Priority        int               `yaml:"priority"`
}

type Buyer struct {
	ID          string   `yaml:"id"`
	CampaignID  string   `yaml:"campaign_id"`
	Name        string   `yaml:"name"`
	Destination string   `yaml:"destination"`
	Priority    int      `yaml:"priority"`
	Capacity    Capacity `yaml:"capacity"`
	Schedule    Schedule `yaml:"schedule"`
}

// Catalog is a validated, converted File.
type Catalog struct {
	Campaigns []campaigns.Campaign
	Targets   []targets.BidTarget
	Buyers    []targets.Buyer
	Overrides []routing.Override
}

func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func FromYAML(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return f.Convert()
}

// Convert validates every entry and reports all problems at once.
func (f File) Convert() (*Catalog, error) {
	var errs []string
	fail := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	out := &Catalog{Overrides: f.Overrides}
	known := make(map[string]bool, len(f.Campaigns))
	for _, c := range f.Campaigns {
		if err := c.Validate(); err != nil {
			fail("campaign %q: %v", c.ID, err)
			continue
		}
		if known[c.ID] {
			fail("campaign %q: duplicate id", c.ID)
			continue
		}
		known[c.ID] = true
		out.Campaigns = append(out.Campaigns, c)
	}

	for _, t := range f.Targets {
		bt, err := t.convert()
		if err != nil {
			fail("rtb_target %q: %v", t.ID, err)
			continue
		}
		if !known[bt.CampaignID] {
			fail("rtb_target %q: unknown campaign %q", t.ID, t.CampaignID)
			continue
		}
		out.Targets = append(out.Targets, bt)
	}

	for _, b := range f.Buyers {
		by, err := b.convert()
		if err != nil {
			fail("buyer %q: %v", b.ID, err)
			continue
		}
		if !known[by.CampaignID] {
			fail("buyer %q: unknown campaign %q", b.ID, b.CampaignID)
			continue
		}
		out.Buyers = append(out.Buyers, by)
	}

	for _, o := range f.Overrides {
		if o.ID == "" || o.WorkspaceID == "" || o.ConnectTo == "" {
			fail("override %q: id, workspace_id and connect_to required", o.ID)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w:\n- %s", ErrInvalidCatalog, strings.Join(errs, "\n- "))
	}
	return out, nil
}

// Load fills the memory stores. Existing entries with the same ids are replaced.
func (c *Catalog) Load(store *campaigns.MemoryStore, source *targets.MemorySource, overrides *routing.MemoryOverrides) error {
	for _, camp := range c.Campaigns {
		if err := store.Put(camp); err != nil {
			return err
		}
	}
	for _, t := range c.Targets {
		source.PutTarget(t)
	}
	for _, b := range c.Buyers {
		source.PutBuyer(b)
	}
	if overrides != nil {
		for _, o := range c.Overrides {
			overrides.Put(o)
		}
	}
	return nil
}

func (t Target) convert() (targets.BidTarget, error) {
	if t.ID == "" || t.CampaignID == "" {
		return targets.BidTarget{}, errors.New("id and campaign_id required")
	}
	if t.URL == "" {
		return targets.BidTarget{}, errors.New("url required")
	}
	minBid, err := optionalDecimal(t.MinBid)
	if err != nil {
		return targets.BidTarget{}, fmt.Errorf("min_bid: %w", err)
	}
	maxBid, err := optionalDecimal(t.MaxBid)
	if err != nil {
		return targets.BidTarget{}, fmt.Errorf("max_bid: %w", err)
	}
	if err := t.ResponsePaths.WithDefaults().Validate(); err != nil {
		return targets.BidTarget{}, err
	}
	sched, err := t.Schedule.convert()
	if err != nil {
		return targets.BidTarget{}, err
	}
	return targets.BidTarget{
		ID:         t.ID,
		CampaignID: t.CampaignID,
		Name:       t.Name,
		Endpoint: targets.Endpoint{
			URL:         t.URL,
			Method:      t.Method,
			ContentType: t.ContentType,
			Headers:     t.Headers,
			Timeout:     t.Timeout,
			Auth: targets.Auth{
				Type:       targets.AuthType(strings.ToLower(t.Auth.Type)),
				Token:      t.Auth.Token,
				Username:   t.Auth.Username,
				Password:   t.Auth.Password,
				HeaderName: t.Auth.HeaderName,
				Secret:     t.Auth.Secret,
			},
		},
		RequestTemplate: t.RequestTemplate,
		ResponsePaths:   t.ResponsePaths,
		MinBid:          minBid,
		MaxBid:          maxBid,
		Currency:        t.Currency,
		Capacity:        t.Capacity.convert(),
		Schedule:        sched,
		Priority:        t.Priority,
	}, nil
}

func (b Buyer) convert() (targets.Buyer, error) {
	if b.ID == "" || b.CampaignID == "" {
		return targets.Buyer{}, errors.New("id and campaign_id required")
	}
	if b.Destination == "" {
		return targets.Buyer{}, errors.New("destination required")
	}
	sched, err := b.Schedule.convert()
	if err != nil {
		return targets.Buyer{}, err
	}
	return targets.Buyer{
		ID:          b.ID,
		CampaignID:  b.CampaignID,
		Name:        b.Name,
		Destination: b.Destination,
		Priority:    b.Priority,
		Capacity:    b.Capacity.convert(),
		Schedule:    sched,
	}, nil
}

func (c Capacity) convert() targets.Capacity {
	return targets.Capacity{
		MaxConcurrentCalls: c.MaxConcurrentCalls,
		DailyCap:           c.DailyCap,
		HourlyCap:          c.HourlyCap,
		MonthlyCap:         c.MonthlyCap,
	}
}

func (s Schedule) convert() (targets.Schedule, error) {
	out := targets.Schedule{Active: s.Active == nil || *s.Active, Timezone: s.Timezone}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return targets.Schedule{}, fmt.Errorf("%w: timezone %q", targets.ErrInvalidSchedule, s.Timezone)
		}
	}
	if s.Hours != nil {
		h := &targets.BusinessHours{Open: s.Hours.Open, Close: s.Hours.Close}
		for _, d := range s.Hours.Days {
			wd, err := targets.ParseWeekday(d)
			if err != nil {
				return targets.Schedule{}, err
			}
			h.Days = append(h.Days, wd)
		}
		out.Hours = h
		if _, err := (targets.Schedule{Active: true, Timezone: s.Timezone, Hours: h}).OpenAt(time.Unix(0, 0)); err != nil {
			return targets.Schedule{}, err
		}
	}
	return out, nil
}

func optionalDecimal(v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(v))
}
