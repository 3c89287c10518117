package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"

	"pkt.systems/slotd/internal/pool"
)

// Field names of the JSON schema.
const (
	FieldUsername = "username"
	FieldRequest  = "request"
	FieldTime     = "time"
	FieldResource = "resource"
	FieldStatus   = "status"
)

// ErrMalformed marks a payload that is not a JSON object carrying a
// username. Such frames are dropped without touching access control.
var ErrMalformed = errors.New("wire: malformed message")

// Kind classifies a decoded request by its key shape.
type Kind int

const (
	// KindUnknown carries a username but matches no request shape.
	KindUnknown Kind = iota
	// KindAuth is {"username"}.
	KindAuth
	// KindResource is {"username","request","time"}.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Request is an inbound client message.
type Request struct {
	Kind     Kind
	Username string
	Mask     uint32
	Time     int64
}

// DecodeRequest parses a frame payload. A username that is not a JSON string
// decodes as "". Non-integral request or time values decode as 0. A negative
// request mask is read as its 32-bit two's complement, so -1 requests every
// slot; masks outside int32..uint32 decode as 0.
func DecodeRequest(payload []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return Request{}, ErrMalformed
	}
	rawUser, ok := fields[FieldUsername]
	if !ok {
		return Request{}, ErrMalformed
	}
	req := Request{Username: stringValue(rawUser)}
	switch len(fields) {
	case 1:
		req.Kind = KindAuth
	case 3:
		rawMask, hasMask := fields[FieldRequest]
		rawTime, hasTime := fields[FieldTime]
		if !hasMask || !hasTime {
			return req, nil
		}
		req.Kind = KindResource
		if mask, ok := intValue(rawMask); ok && mask >= math.MinInt32 && mask <= math.MaxUint32 {
			if mask < 0 {
				req.Mask = uint32(int32(mask))
			} else {
				req.Mask = uint32(mask)
			}
		}
		if t, ok := intValue(rawTime); ok {
			req.Time = t
		}
	}
	return req, nil
}

func stringValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func intValue(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}
	if v, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// Status is the outcome carried by a response.
type Status int

const (
	// StatusDenied reports a denial, a release, or a displacement.
	StatusDenied Status = 0
	// StatusGranted reports a grant.
	StatusGranted Status = 1
)

func (s Status) String() string {
	if s == StatusGranted {
		return "granted"
	}
	return "denied"
}

// Response is an outbound server message. Resource is the one-based slot
// number.
type Response struct {
	Username string `json:"username"`
	Resource int    `json:"resource"`
	Status   Status `json:"status"`
}

// EncodeResponse renders resp as a frame payload.
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse parses a server response payload.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// EncodeAuth renders an authentication request.
func EncodeAuth(username string) ([]byte, error) {
	return json.Marshal(map[string]string{FieldUsername: username})
}

// EncodeResourceRequest renders a resource request.
func EncodeResourceRequest(username string, mask uint32, at int64) ([]byte, error) {
	return json.Marshal(map[string]any{
		FieldUsername: username,
		FieldRequest:  mask,
		FieldTime:     at,
	})
}

// Requested reports whether the zero-based slot index is selected by mask.
func Requested(mask uint32, slot int) bool {
	return (mask>>(uint(slot)*8))&0xFF != 0
}

// MaskFor builds a request mask selecting the given one-based slot numbers.
// Numbers outside 1..pool.Size are ignored.
func MaskFor(slots ...int) uint32 {
	var mask uint32
	for _, n := range slots {
		if n < 1 || n > pool.Size {
			continue
		}
		mask |= 1 << (uint(n-1) * 8)
	}
	return mask
}
