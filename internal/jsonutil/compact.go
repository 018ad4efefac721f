// Package jsonutil prepares upstream JSON payloads for publication.
package jsonutil

import (
	"bytes"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

// ErrOversizePayload marks payloads rejected by the byte budget.
var ErrOversizePayload = fmt.Errorf("jsonutil: payload exceeds byte budget")

// CompactPayload strips insignificant whitespace from raw and enforces the
// byte budget. maxBytes <= 0 disables the limit. The input must be a single
// valid JSON value.
func CompactPayload(raw []byte, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrOversizePayload, len(raw), maxBytes)
	}
	var buf bytes.Buffer
	buf.Grow(len(raw))
	if err := jpact.CompactWriter(&buf, bytes.NewReader(raw), maxBytes); err != nil {
		return nil, fmt.Errorf("jsonutil: compact payload: %w", err)
	}
	return buf.Bytes(), nil
}

// CompactWriter streams JSON from r to w, stripping insignificant whitespace.
// maxBytes limits the number of bytes read from r (<=0 disables the limit).
func CompactWriter(w io.Writer, r io.Reader, maxBytes int64) error {
	return jpact.CompactWriter(w, r, maxBytes)
}
