// Package canonicalize turns inbound events into their canonical byte form and
// content hash.
//
// Serialization follows RFC 8785 (JSON Canonicalization Scheme): object members are
// ordered by the UTF-16 code units of their names, strings carry only the mandatory
// escapes and no insignificant whitespace is emitted. The event-level rules layered
// on top (field selection, string and number normalization) are versioned by
// CanonicalVersion.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"
	"unicode/utf8"
)

// JCS returns the canonical JSON representation of v.
//
// v is round-tripped through encoding/json first so struct tags apply; numbers are
// decoded as json.Number and written back with their literal spelling.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("jcs: decode: %w", err)
	}

	var w jcsWriter
	if err := w.value(doc); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// HashBytes computes the SHA-256 of data as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether hash is the digest of canonical.
func Verify(canonical []byte, hash string) bool {
	return HashBytes(canonical) == hash
}

type jcsWriter struct {
	buf bytes.Buffer
}

func (w *jcsWriter) value(v interface{}) error {
	switch t := v.(type) {
	case nil:
		w.buf.WriteString("null")
	case bool:
		if t {
			w.buf.WriteString("true")
		} else {
			w.buf.WriteString("false")
		}
	case json.Number:
		w.buf.WriteString(t.String())
	case string:
		return w.str(t)
	case []interface{}:
		w.buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				w.buf.WriteByte(',')
			}
			if err := w.value(elem); err != nil {
				return err
			}
		}
		w.buf.WriteByte(']')
	case map[string]interface{}:
		names := make([]string, 0, len(t))
		for k := range t {
			names = append(names, k)
		}
		slices.SortFunc(names, compareUTF16)

		w.buf.WriteByte('{')
		for i, k := range names {
			if i > 0 {
				w.buf.WriteByte(',')
			}
			if err := w.str(k); err != nil {
				return err
			}
			w.buf.WriteByte(':')
			if err := w.value(t[k]); err != nil {
				return err
			}
		}
		w.buf.WriteByte('}')
	default:
		return fmt.Errorf("jcs: unsupported type %T", v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// str writes s as a JSON string. Only the quote, the backslash and control
// characters are escaped; everything else, U+2028 and U+2029 included, is literal.
func (w *jcsWriter) str(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("jcs: string is not valid utf-8")
	}
	w.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			w.buf.WriteByte('\\')
			w.buf.WriteByte(c)
		case c == '\b':
			w.buf.WriteString(`\b`)
		case c == '\t':
			w.buf.WriteString(`\t`)
		case c == '\n':
			w.buf.WriteString(`\n`)
		case c == '\f':
			w.buf.WriteString(`\f`)
		case c == '\r':
			w.buf.WriteString(`\r`)
		case c < 0x20:
			w.buf.WriteString(`\u00`)
			w.buf.WriteByte(hexDigits[c>>4])
			w.buf.WriteByte(hexDigits[c&0xf])
		default:
			w.buf.WriteByte(c)
		}
	}
	w.buf.WriteByte('"')
	return nil
}

// compareUTF16 orders member names by their UTF-16 code units. This differs from
// byte order once a name holds characters outside the Basic Multilingual Plane:
// U+1F600 encodes as the surrogate 0xD83D and sorts before U+FB01.
func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}
