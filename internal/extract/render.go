package extract

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Encoding selects how substituted values are escaped for the body's content type.
type Encoding string

const (
	EncodingRaw  Encoding = "raw"
	EncodingJSON Encoding = "json"
	EncodingForm Encoding = "form"
)

// EncodingFor maps an HTTP content type to the escaping used for placeholder values.
func EncodingFor(contentType string) Encoding {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return EncodingJSON
	case strings.Contains(ct, "x-www-form-urlencoded"):
		return EncodingForm
	default:
		return EncodingRaw
	}
}

// Vars are placeholder values keyed by name without braces.
type Vars map[string]string

// Render substitutes every {name} placeholder in tmpl. Names missing from vars render
// as the empty string. Braces that do not enclose a placeholder name (JSON object
// delimiters, for instance) are copied through unchanged.
func Render(tmpl string, vars Vars, enc Encoding) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		if tmpl[i] != '{' {
			b.WriteByte(tmpl[i])
			i++
			continue
		}
		end := placeholderEnd(tmpl, i+1)
		if end < 0 {
			b.WriteByte('{')
			i++
			continue
		}
		name := tmpl[i+1 : end]
		b.WriteString(escape(vars[name], enc))
		i = end + 1
	}
	return b.String()
}

// placeholderEnd returns the index of the closing brace when tmpl[start:] begins
// with a placeholder name, or -1.
func placeholderEnd(tmpl string, start int) int {
	for j := start; j < len(tmpl); j++ {
		c := tmpl[j]
		if c == '}' {
			if j == start {
				return -1
			}
			return j
		}
		if !isNameByte(c) {
			return -1
		}
	}
	return -1
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func escape(v string, enc Encoding) string {
	switch enc {
	case EncodingJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		// Strip the surrounding quotes; the template owns them.
		return string(b[1 : len(b)-1])
	case EncodingForm:
		return url.QueryEscape(v)
	default:
		return v
	}
}
