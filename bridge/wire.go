package bridge

import (
	"encoding/json"
)

// Message type tags. Events carry no type tag; they are recognized by their
// name field instead.
const (
	typeRequest  = "request"
	typeResponse = "response"
)

// Request is the envelope of one method call crossing the boundary.
type Request struct {
	Type   string            `json:"type"`
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`

	// Origin is the caller's origin as declared by the transport layer.
	// Servers bound to an authenticated transport overwrite it.
	Origin string `json:"origin,omitempty"`
}

// Response is the envelope of one method result. Exactly one of Result and
// Error is present.
type Response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Event is a push notification envelope. It is not correlated with any
// request.
type Event struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewResponse builds the success response for a request id, serializing the
// result value.
func NewResponse(id string, result interface{}) (*Response, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	return &Response{
		Type:   typeResponse,
		ID:     id,
		Result: encoded,
	}, nil
}

// NewErrorResponse builds the failure response for a request id.
func NewErrorResponse(id string, wireErr *Error) *Response {
	return &Response{
		Type:  typeResponse,
		ID:    id,
		Error: wireErr,
	}
}

// probe is the minimal shape used to classify an incoming message before
// committing to a full decode.
type probe struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
	Name   string          `json:"name"`
}

// ParseRequest decodes the message as a request envelope. The boolean is
// false for anything that fails the minimal shape check: wrong type tag,
// empty id, missing method or args. Such messages are silently ignored
// because the channel is shared with unrelated traffic.
func ParseRequest(msg []byte) (*Request, bool) {
	var p probe
	if err := json.Unmarshal(msg, &p); err != nil {
		return nil, false
	}
	if p.Type != typeRequest || p.ID == "" || p.Method == "" ||
		p.Args == nil {

		return nil, false
	}

	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, false
	}
	if req.Args == nil {
		req.Args = []json.RawMessage{}
	}
	return &req, true
}

// ParseResponse decodes the message as a response envelope, applying the
// same silent shape filtering as ParseRequest.
func ParseResponse(msg []byte) (*Response, bool) {
	var p probe
	if err := json.Unmarshal(msg, &p); err != nil {
		return nil, false
	}
	if p.Type != typeResponse || p.ID == "" {
		return nil, false
	}

	var resp Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// ParseEvent decodes the message as an event envelope. Events have no type
// tag; a message with a type tag or without a name is not an event.
func ParseEvent(msg []byte) (*Event, bool) {
	var p probe
	if err := json.Unmarshal(msg, &p); err != nil {
		return nil, false
	}
	if p.Type != "" || p.Name == "" {
		return nil, false
	}

	var event Event
	if err := json.Unmarshal(msg, &event); err != nil {
		return nil, false
	}
	return &event, true
}
