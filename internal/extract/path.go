package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrInvalidPath = errors.New("extract: invalid path")

// Step is one hop of a Path: an object key or an array index.
type Step struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a parsed field path such as data.bids[0].amount.
type Path []Step

// ParsePath parses dotted keys with optional [n] index suffixes.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}

	var out Path
	for _, seg := range strings.Split(s, ".") {
		key := seg
		var idx []int
		if open := strings.IndexByte(seg, '['); open >= 0 {
			key = seg[:open]
			rest := seg[open:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
				}
				closeAt := strings.IndexByte(rest, ']')
				if closeAt < 0 {
					return nil, fmt.Errorf("%w: unterminated index in %q", ErrInvalidPath, s)
				}
				n, err := strconv.Atoi(rest[1:closeAt])
				if err != nil || n < 0 {
					return nil, fmt.Errorf("%w: bad index in %q", ErrInvalidPath, s)
				}
				idx = append(idx, n)
				rest = rest[closeAt+1:]
			}
		}
		if key == "" && len(idx) == 0 {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, s)
		}
		if key != "" {
			out = append(out, Step{Key: key})
		}
		for _, n := range idx {
			out = append(out, Step{Index: n, IsIndex: true})
		}
	}
	return out, nil
}

func (p Path) String() string {
	var b strings.Builder
	for i, st := range p {
		if st.IsIndex {
			b.WriteString("[" + strconv.Itoa(st.Index) + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(st.Key)
	}
	return b.String()
}

// Lookup walks p through a parsed JSON value. JSON null counts as absent.
func Lookup(root gjson.Result, p Path) (gjson.Result, bool) {
	cur := root
	for _, st := range p {
		if st.IsIndex {
			if !cur.IsArray() {
				return gjson.Result{}, false
			}
			arr := cur.Array()
			if st.Index >= len(arr) {
				return gjson.Result{}, false
			}
			cur = arr[st.Index]
			continue
		}
		if !cur.IsObject() {
			return gjson.Result{}, false
		}
		// Exact key match; keys may contain characters that are gjson path syntax.
		var next gjson.Result
		found := false
		cur.ForEach(func(k, v gjson.Result) bool {
			if k.String() == st.Key {
				next, found = v, true
				return false
			}
			return true
		})
		if !found {
			return gjson.Result{}, false
		}
		cur = next
	}
	if !cur.Exists() || cur.Type == gjson.Null {
		return gjson.Result{}, false
	}
	return cur, true
}
