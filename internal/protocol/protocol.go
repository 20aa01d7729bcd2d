// Package protocol implements the length-prefixed binary frame format
// carried over the tunnel transport (peer data channel or relay socket).
//
// Every frame starts with a single type byte; the remaining layout is
// type-specific. All integers are big-endian, strings are UTF-8, and
// header maps travel as a JSON object of single string values. The wire
// bytes are shared with every other endpoint implementation and MUST NOT
// change shape.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Frame types (leading byte).
const (
	FrameHTTPRequest  = 0x01
	FrameHTTPResponse = 0x02
	FrameWSConnect    = 0x10
	FrameWSData       = 0x11
	FrameWSClose      = 0x12
)

// WS_DATA opcodes, matching RFC 6455 values.
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrFieldTooLarge    = errors.New("field exceeds maximum encodable size")
)

// frameTypeName maps type bytes to names for debugging.
var frameTypeName = map[byte]string{
	FrameHTTPRequest:  "HTTP_REQUEST",
	FrameHTTPResponse: "HTTP_RESPONSE",
	FrameWSConnect:    "WS_CONNECT",
	FrameWSData:       "WS_DATA",
	FrameWSClose:      "WS_CLOSE",
}

// FrameTypeName returns the human-readable name of a frame type.
func FrameTypeName(t byte) string {
	if name, ok := frameTypeName[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", t)
}

// Frame is implemented by all five wire frame types.
type Frame interface {
	// FrameType returns the leading type byte.
	FrameType() byte
	// Encode serializes the frame, type byte included.
	Encode() ([]byte, error)
}

// HTTPRequest is a proxied HTTP transaction request (0x01).
//
// Layout: u32 request_id, u16 method_len, method, u16 path_len, path,
// u32 headers_len, headers_json, u32 body_len, body.
type HTTPRequest struct {
	RequestID uint32
	Method    string
	Path      string
	Headers   map[string]string
	Body      []byte
}

// HTTPResponse answers an HTTPRequest with the same request id (0x02).
//
// Layout: u32 request_id, u16 status_code, u32 headers_len, headers_json,
// u32 body_len, body.
type HTTPResponse struct {
	RequestID uint32
	Status    uint16
	Headers   map[string]string
	Body      []byte
}

// WSConnect opens a tunnelled WebSocket sub-connection (0x10).
//
// Layout: u32 connection_id, u16 url_len, url, u32 headers_len, headers_json.
type WSConnect struct {
	ConnectionID uint32
	URL          string
	Headers      map[string]string
}

// WSData carries one message on a sub-connection (0x11).
//
// Layout: u32 connection_id, u8 opcode, u32 payload_len, payload.
type WSData struct {
	ConnectionID uint32
	Opcode       byte
	Payload      []byte
}

// WSClose terminates a sub-connection (0x12).
//
// Layout: u32 connection_id, u16 close_code, u16 reason_len, reason.
type WSClose struct {
	ConnectionID uint32
	CloseCode    uint16
	Reason       string
}

func (f *HTTPRequest) FrameType() byte  { return FrameHTTPRequest }
func (f *HTTPResponse) FrameType() byte { return FrameHTTPResponse }
func (f *WSConnect) FrameType() byte    { return FrameWSConnect }
func (f *WSData) FrameType() byte       { return FrameWSData }
func (f *WSClose) FrameType() byte      { return FrameWSClose }

// Encode serializes an HTTP_REQUEST frame.
func (f *HTTPRequest) Encode() ([]byte, error) {
	headers, err := marshalHeaders(f.Headers)
	if err != nil {
		return nil, err
	}
	if err := checkU16("method", len(f.Method)); err != nil {
		return nil, err
	}
	if err := checkU16("path", len(f.Path)); err != nil {
		return nil, err
	}

	w := newWriter(1 + 4 + 2 + len(f.Method) + 2 + len(f.Path) + 4 + len(headers) + 4 + len(f.Body))
	w.u8(FrameHTTPRequest)
	w.u32(f.RequestID)
	w.u16(uint16(len(f.Method)))
	w.bytes([]byte(f.Method))
	w.u16(uint16(len(f.Path)))
	w.bytes([]byte(f.Path))
	w.u32(uint32(len(headers)))
	w.bytes(headers)
	w.u32(uint32(len(f.Body)))
	w.bytes(f.Body)
	return w.buf, nil
}

// Encode serializes an HTTP_RESPONSE frame.
func (f *HTTPResponse) Encode() ([]byte, error) {
	headers, err := marshalHeaders(f.Headers)
	if err != nil {
		return nil, err
	}

	w := newWriter(1 + 4 + 2 + 4 + len(headers) + 4 + len(f.Body))
	w.u8(FrameHTTPResponse)
	w.u32(f.RequestID)
	w.u16(f.Status)
	w.u32(uint32(len(headers)))
	w.bytes(headers)
	w.u32(uint32(len(f.Body)))
	w.bytes(f.Body)
	return w.buf, nil
}

// Encode serializes a WS_CONNECT frame.
func (f *WSConnect) Encode() ([]byte, error) {
	headers, err := marshalHeaders(f.Headers)
	if err != nil {
		return nil, err
	}
	if err := checkU16("url", len(f.URL)); err != nil {
		return nil, err
	}

	w := newWriter(1 + 4 + 2 + len(f.URL) + 4 + len(headers))
	w.u8(FrameWSConnect)
	w.u32(f.ConnectionID)
	w.u16(uint16(len(f.URL)))
	w.bytes([]byte(f.URL))
	w.u32(uint32(len(headers)))
	w.bytes(headers)
	return w.buf, nil
}

// Encode serializes a WS_DATA frame.
func (f *WSData) Encode() ([]byte, error) {
	w := newWriter(1 + 4 + 1 + 4 + len(f.Payload))
	w.u8(FrameWSData)
	w.u32(f.ConnectionID)
	w.u8(f.Opcode)
	w.u32(uint32(len(f.Payload)))
	w.bytes(f.Payload)
	return w.buf, nil
}

// Encode serializes a WS_CLOSE frame.
func (f *WSClose) Encode() ([]byte, error) {
	if err := checkU16("reason", len(f.Reason)); err != nil {
		return nil, err
	}

	w := newWriter(1 + 4 + 2 + 2 + len(f.Reason))
	w.u8(FrameWSClose)
	w.u32(f.ConnectionID)
	w.u16(f.CloseCode)
	w.u16(uint16(len(f.Reason)))
	w.bytes([]byte(f.Reason))
	return w.buf, nil
}

// Decode parses a complete frame. The returned frame's byte slices alias
// data; callers that retain frames past the buffer's lifetime must copy.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrFrameTooShort)
	}
	r := &reader{buf: data, off: 1}
	switch data[0] {
	case FrameHTTPRequest:
		return decodeHTTPRequest(r)
	case FrameHTTPResponse:
		return decodeHTTPResponse(r)
	case FrameWSConnect:
		return decodeWSConnect(r)
	case FrameWSData:
		return decodeWSData(r)
	case FrameWSClose:
		return decodeWSClose(r)
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, data[0])
	}
}

// PeekRequestID extracts the request id from an HTTP_REQUEST or
// HTTP_RESPONSE frame without decoding the rest. Used to answer requests
// whose remainder fails to parse.
func PeekRequestID(data []byte) (uint32, bool) {
	if len(data) < 5 {
		return 0, false
	}
	if data[0] != FrameHTTPRequest && data[0] != FrameHTTPResponse {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[1:5]), true
}

func decodeHTTPRequest(r *reader) (Frame, error) {
	f := &HTTPRequest{}
	var err error
	if f.RequestID, err = r.u32("request_id"); err != nil {
		return nil, err
	}
	if f.Method, err = r.str16("method"); err != nil {
		return nil, err
	}
	if f.Path, err = r.str16("path"); err != nil {
		return nil, err
	}
	if f.Headers, err = r.headers(); err != nil {
		return nil, err
	}
	if f.Body, err = r.bytes32("body"); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeHTTPResponse(r *reader) (Frame, error) {
	f := &HTTPResponse{}
	var err error
	if f.RequestID, err = r.u32("request_id"); err != nil {
		return nil, err
	}
	if f.Status, err = r.u16("status_code"); err != nil {
		return nil, err
	}
	if f.Headers, err = r.headers(); err != nil {
		return nil, err
	}
	if f.Body, err = r.bytes32("body"); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeWSConnect(r *reader) (Frame, error) {
	f := &WSConnect{}
	var err error
	if f.ConnectionID, err = r.u32("connection_id"); err != nil {
		return nil, err
	}
	if f.URL, err = r.str16("url"); err != nil {
		return nil, err
	}
	if f.Headers, err = r.headers(); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeWSData(r *reader) (Frame, error) {
	f := &WSData{}
	var err error
	if f.ConnectionID, err = r.u32("connection_id"); err != nil {
		return nil, err
	}
	if f.Opcode, err = r.u8("opcode"); err != nil {
		return nil, err
	}
	if f.Payload, err = r.bytes32("payload"); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeWSClose(r *reader) (Frame, error) {
	f := &WSClose{}
	var err error
	if f.ConnectionID, err = r.u32("connection_id"); err != nil {
		return nil, err
	}
	if f.CloseCode, err = r.u16("close_code"); err != nil {
		return nil, err
	}
	reason, err := r.bytes16("reason")
	if err != nil {
		return nil, err
	}
	f.Reason = string(reason)
	return f, nil
}

// marshalHeaders encodes a header map as a JSON object. A nil map encodes
// as the empty object so the wire never carries JSON null.
func marshalHeaders(h map[string]string) ([]byte, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	return data, nil
}

func checkU16(field string, n int) error {
	if n > math.MaxUint16 {
		return fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLarge, field, n)
	}
	return nil
}

type writer struct {
	buf []byte
	off int
}

func newWriter(size int) *writer {
	return &writer{buf: make([]byte, size)}
}

func (w *writer) u8(v byte) {
	w.buf[w.off] = v
	w.off++
}

func (w *writer) u16(v uint16) {
	binary.BigEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *writer) u32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *writer) bytes(p []byte) {
	copy(w.buf[w.off:], p)
	w.off += len(p)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) need(field string, n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("%w: %s", ErrFrameTooShort, field)
	}
	return nil
}

func (r *reader) u8(field string) (byte, error) {
	if err := r.need(field, 1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16(field string) (uint16, error) {
	if err := r.need(field, 2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32(field string) (uint32, error) {
	if err := r.need(field, 4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) take(field string, n int) ([]byte, error) {
	if err := r.need(field, n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) bytes16(field string) ([]byte, error) {
	n, err := r.u16(field + " length")
	if err != nil {
		return nil, err
	}
	return r.take(field, int(n))
}

func (r *reader) bytes32(field string) ([]byte, error) {
	n, err := r.u32(field + " length")
	if err != nil {
		return nil, err
	}
	return r.take(field, int(n))
}

func (r *reader) str16(field string) (string, error) {
	b, err := r.bytes16(field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// headers reads a u32-prefixed JSON object. A zero length yields an empty
// map, matching encoders that omit the object entirely.
func (r *reader) headers() (map[string]string, error) {
	raw, err := r.bytes32("headers")
	if err != nil {
		return nil, err
	}
	h := map[string]string{}
	if len(raw) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("parse headers json: %w", err)
	}
	return h, nil
}
