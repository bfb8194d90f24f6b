// Package bencode implements the minimal bencode encoder/decoder warren
// needs: canonical encoding of a torrent's "info" dictionary (for info-hash
// derivation) and decoding of tracker announce responses.
//
// Full metainfo-file parsing is out of scope here; this package
// only supports the handful of value shapes warren's own code produces or
// consumes: strings, integers, lists, and string-keyed dictionaries.
package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal returns the canonical bencoded form of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes the bencoded representation of v.
//
// Supported types: string, []byte, int, int32, int64, uint32, uint64, bool
// (encoded as 0/1), []any, and map[string]any (keys sorted
// lexicographically, which is what makes the encoding canonical). Other
// integer widths (int8, int16, uint, uint8, uint16) are rejected as
// unsupported.
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeString(string(x))
	case bool:
		if x {
			return e.encodeInt(1)
		}
		return e.encodeInt(0)
	case int:
		return e.encodeInt(int64(x))
	case int32:
		return e.encodeInt(int64(x))
	case int64:
		return e.encodeInt(x)
	case uint32:
		return e.encodeInt(int64(x))
	case uint64:
		return e.encodeInt(int64(x))
	case []any:
		return e.encodeList(x)
	case map[string]any:
		return e.encodeDict(x)
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
}

func (e *Encoder) encodeString(s string) error {
	_, err := fmt.Fprintf(e.w, "%d:%s", len(s), s)
	return err
}

func (e *Encoder) encodeInt(n int64) error {
	_, err := fmt.Fprintf(e.w, "i%de", n)
	return err
}

func (e *Encoder) encodeList(list []any) error {
	if _, err := io.WriteString(e.w, "l"); err != nil {
		return err
	}
	for _, item := range list {
		if err := e.Encode(item); err != nil {
			return err
		}
	}
	_, err := io.WriteString(e.w, "e")
	return err
}

func (e *Encoder) encodeDict(dict map[string]any) error {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if _, err := io.WriteString(e.w, "d"); err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.encodeString(k); err != nil {
			return err
		}
		if err := e.Encode(dict[k]); err != nil {
			return err
		}
	}
	_, err := io.WriteString(e.w, "e")
	return err
}

// quoteForError truncates long strings so decode error messages stay
// readable.
func quoteForError(s string) string {
	if len(s) > 32 {
		return strconv.Quote(s[:32]) + "..."
	}
	return strconv.Quote(s)
}
