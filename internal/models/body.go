package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
)

// BodyKind tags the stored form of a request body.
type BodyKind string

const (
	BodyEmpty      BodyKind = "empty"
	BodyText       BodyKind = "text"
	BodyBytes      BodyKind = "bytes"
	BodyJSON       BodyKind = "json"
	BodyURLEncoded BodyKind = "urlencoded"
	BodyMultipart  BodyKind = "multipart"
)

// Body is a request body in its storable form. Native binary payloads are
// kept as raw bytes; plain values are JSON-encoded once, at enqueue time,
// and never re-encoded afterwards.
type Body struct {
	Kind     BodyKind `json:"kind"`
	Data     []byte   `json:"data,omitempty"`
	Boundary string   `json:"boundary,omitempty"` // multipart only
}

// Multipart wraps an already-assembled multipart payload so callers can
// hand it to NormalizeBody without losing the boundary.
type Multipart struct {
	Data     []byte
	Boundary string
}

// NormalizeBody converts the accepted input shapes into a Body. Text,
// binary, form and multipart inputs pass through unchanged; any other
// value is JSON-encoded.
func NormalizeBody(input any) (Body, error) {
	switch v := input.(type) {
	case nil:
		return Body{Kind: BodyEmpty}, nil
	case Body:
		if v.Kind == "" {
			v.Kind = BodyEmpty
		}
		return v, nil
	case *Body:
		if v == nil {
			return Body{Kind: BodyEmpty}, nil
		}
		return NormalizeBody(*v)
	case string:
		return Body{Kind: BodyText, Data: []byte(v)}, nil
	case []byte:
		return Body{Kind: BodyBytes, Data: v}, nil
	case json.RawMessage:
		return Body{Kind: BodyJSON, Data: v}, nil
	case url.Values:
		return Body{Kind: BodyURLEncoded, Data: []byte(v.Encode())}, nil
	case Multipart:
		return Body{Kind: BodyMultipart, Data: v.Data, Boundary: v.Boundary}, nil
	case io.Reader:
		data, err := io.ReadAll(v)
		if err != nil {
			return Body{}, fmt.Errorf("read body: %w", err)
		}
		return Body{Kind: BodyBytes, Data: data}, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Body{}, fmt.Errorf("encode body: %w", err)
		}
		return Body{Kind: BodyJSON, Data: data}, nil
	}
}

// IsEmpty reports whether the body carries no payload.
func (b Body) IsEmpty() bool {
	return b.Kind == BodyEmpty || (b.Kind == "" && len(b.Data) == 0)
}

// Reader returns the payload as an io.Reader, or nil for an empty body.
// The bytes are exactly what was stored; encoding happened at enqueue time.
func (b Body) Reader() io.Reader {
	if b.IsEmpty() {
		return nil
	}
	return bytes.NewReader(b.Data)
}

// ContentType returns the content type implied by the body's native form.
// Text, bytes and JSON return false: the caller owns those headers.
func (b Body) ContentType() (string, bool) {
	switch b.Kind {
	case BodyURLEncoded:
		return "application/x-www-form-urlencoded", true
	case BodyMultipart:
		if b.Boundary == "" {
			return "multipart/form-data", true
		}
		return "multipart/form-data; boundary=" + b.Boundary, true
	default:
		return "", false
	}
}
