package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
)

// ContentKey is the payload key holding the normalized content.
const ContentKey = "content"

// StableHash returns the lowercase hex SHA-256 of the canonical JSON encoding
// of {"content": Normalize(content), ...extra}.
//
// Keys are sorted, separators carry no whitespace and non-ASCII characters are
// written as \uXXXX escapes, so the digest matches hashes produced by earlier
// tooling that serialized the same payload. An extra key named "content"
// replaces the normalized content.
func StableHash(content string, extra map[string]string) string {
	payload := make(map[string]string, len(extra)+1)
	payload[ContentKey] = Normalize(content)
	for k, v := range extra {
		payload[k] = v
	}
	sum := sha256.Sum256([]byte(CanonicalJSON(payload)))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON encodes a flat string map as compact JSON with sorted keys
// and ASCII-only output.
func CanonicalJSON(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(&b, k)
		b.WriteByte(':')
		writeString(&b, m[k])
	}
	b.WriteByte('}')
	return b.String()
}

func writeString(b *strings.Builder, s string) {
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
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0xffff):
				fmt.Fprintf(b, `\u%04x`, r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, hi, lo)
			default:
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
