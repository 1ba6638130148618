package identity

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize produces the deterministic byte representation used as
// signature input (§4.1). Mappings are serialised with keys in ascending
// codepoint order; sequences preserve insertion order; scalars use the
// minimal JSON form. Canonicalize is idempotent: decoding its output with
// encoding/json and canonicalizing the result reproduces the same bytes.
//
// v must be built from the decoded-JSON universe: map[string]interface{},
// []interface{}, string, float64/int/int64, bool, nil (exactly what
// encoding/json.Unmarshal into interface{} produces, plus the numeric
// widenings Go call sites commonly pass before marshalling).
func Canonicalize(v interface{}) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeCanonicalString(b, val)
	case float64:
		b.WriteString(formatNumber(val))
	case float32:
		b.WriteString(formatNumber(float64(val)))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(val, 10))
	case map[string]interface{}:
		writeCanonicalObject(b, val)
	case []interface{}:
		writeCanonicalArray(b, val)
	case []string:
		arr := make([]interface{}, len(val))
		for i, s := range val {
			arr[i] = s
		}
		writeCanonicalArray(b, arr)
	default:
		// Last resort: fall back to a stable textual form rather than
		// silently producing a non-deterministic signature input.
		b.WriteString(fmt.Sprintf("%v", val))
	}
}

func writeCanonicalObject(b *strings.Builder, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // ascending codepoint order

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonicalString(b, k)
		b.WriteByte(':')
		writeCanonical(b, m[k])
	}
	b.WriteByte('}')
}

func writeCanonicalArray(b *strings.Builder, arr []interface{}) {
	b.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonical(b, v)
	}
	b.WriteByte(']')
}

// writeCanonicalString escapes per JSON string rules without the extra HTML
// escaping encoding/json applies by default (<, >, & are left untouched, as
// the canonical form is not destined for HTML embedding).
func writeCanonicalString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// formatNumber renders a float64 in the minimal JSON form: integral values
// have no trailing ".0" / exponent, and everything else uses the shortest
// round-trippable decimal representation.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
