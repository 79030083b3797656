package rpc

import "encoding/json"

// Args holds the positional arguments of a call, still encoded.
type Args []json.RawMessage

// Expect returns a Protocol fault unless exactly n arguments were passed.
func (a Args) Expect(n int) error {
	if len(a) != n {
		return Faultf(CodeProtocol, "expected %d arguments, got %d", n, len(a))
	}
	return nil
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return Faultf(CodeProtocol, "missing argument %d", i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return Faultf(CodeProtocol, "decoding argument %d: %s", i, err)
	}
	return nil
}

type callRequest struct {
	Args []any `json:"args"`
}

type dispatchRequest struct {
	Args Args `json:"args"`
}

type callResponse struct {
	Result any    `json:"result"`
	Fault  *Fault `json:"fault,omitempty"`
}

type replyResponse struct {
	Result json.RawMessage `json:"result"`
	Fault  *Fault          `json:"fault,omitempty"`
}
