package extract

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var ErrMalformedBody = errors.New("extract: body is not valid JSON")

// PathSpec names where each bid field lives in a bidder's response.
type PathSpec struct {
	BidAmount         string `json:"bid_amount" yaml:"bid_amount"`
	DestinationNumber string `json:"destination_number" yaml:"destination_number"`
	Accepted          string `json:"accepted" yaml:"accepted"`
	Currency          string `json:"currency" yaml:"currency"`
	Duration          string `json:"duration" yaml:"duration"`
}

// WithDefaults fills unset paths with the flat top-level key names.
func (s PathSpec) WithDefaults() PathSpec {
	if s.BidAmount == "" {
		s.BidAmount = "bidAmount"
	}
	if s.DestinationNumber == "" {
		s.DestinationNumber = "destinationNumber"
	}
	if s.Accepted == "" {
		s.Accepted = "accepted"
	}
	if s.Currency == "" {
		s.Currency = "currency"
	}
	if s.Duration == "" {
		s.Duration = "duration"
	}
	return s
}

// Validate parses every non-empty path.
func (s PathSpec) Validate() error {
	for _, p := range []string{s.BidAmount, s.DestinationNumber, s.Accepted, s.Currency, s.Duration} {
		if p == "" {
			continue
		}
		if _, err := ParsePath(p); err != nil {
			return err
		}
	}
	return nil
}

// Fields holds extracted values. A nil field means the path did not resolve to a
// usable value; callers decide whether that invalidates a bid.
type Fields struct {
	BidAmount         *decimal.Decimal
	DestinationNumber *string
	Accepted          *bool
	Currency          *string
	Duration          *int
}

// Extract reads the fields named by spec from a JSON body. It only fails when the
// body is not JSON or a path does not parse.
func Extract(body []byte, spec PathSpec) (Fields, error) {
	if !gjson.ValidBytes(body) {
		return Fields{}, ErrMalformedBody
	}
	root := gjson.ParseBytes(body)

	var f Fields
	var err error
	lookup := func(path string) (gjson.Result, bool) {
		if path == "" || err != nil {
			return gjson.Result{}, false
		}
		p, perr := ParsePath(path)
		if perr != nil {
			err = perr
			return gjson.Result{}, false
		}
		return Lookup(root, p)
	}

	if r, ok := lookup(spec.BidAmount); ok {
		f.BidAmount = asDecimal(r)
	}
	if r, ok := lookup(spec.DestinationNumber); ok {
		f.DestinationNumber = asText(r)
	}
	if r, ok := lookup(spec.Accepted); ok {
		f.Accepted = asBool(r)
	}
	if r, ok := lookup(spec.Currency); ok {
		if c := asText(r); c != nil {
			up := strings.ToUpper(*c)
			f.Currency = &up
		}
	}
	if r, ok := lookup(spec.Duration); ok {
		if d := asDecimal(r); d != nil && !d.IsNegative() {
			n := int(d.IntPart())
			f.Duration = &n
		}
	}
	if err != nil {
		return Fields{}, err
	}
	return f, nil
}

func asDecimal(r gjson.Result) *decimal.Decimal {
	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		raw = strings.TrimPrefix(strings.TrimSpace(r.Str), "$")
	default:
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	return &d
}

func asText(r gjson.Result) *string {
	var s string
	switch r.Type {
	case gjson.String:
		s = strings.TrimSpace(r.Str)
	case gjson.Number:
		s = r.Raw
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

func asBool(r gjson.Result) *bool {
	var v bool
	switch r.Type {
	case gjson.True:
		v = true
	case gjson.False:
		v = false
	case gjson.Number:
		v = r.Num != 0
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(r.Str)) {
		case "true", "yes", "y", "accepted", "accept", "1":
			v = true
		case "false", "no", "n", "rejected", "reject", "0":
			v = false
		default:
			return nil
		}
	default:
		return nil
	}
	return &v
}
