// Package ipc carries requests and replies between the supervisor and
// its worker. Exactly one message travels in each direction per call.
package ipc

import (
	"encoding/json"
	"errors"
)

var (
	ErrClosed   = errors.New("ipc: transport closed")
	ErrTooLarge = errors.New("ipc: message exceeds limit")
	ErrProtocol = errors.New("ipc: malformed frame")
)

// Transport moves whole messages. Implementations are not safe for
// concurrent Send or concurrent Recv; the supervisor never does either.
type Transport interface {
	Send(msg []byte) error
	// Recv blocks until a full message arrives. It returns io.EOF once
	// the peer is gone.
	Recv() ([]byte, error)
	Close() error
}

// Request is what the worker hands to the module entry point.
type Request struct {
	Args        any            `json:"args"`
	ContentType string         `json:"content_type,omitempty"`
	Body        string         `json:"body,omitempty"`
	Claims      map[string]any `json:"claims,omitempty"`
	Method      string         `json:"method,omitempty"`
	Path        string         `json:"path,omitempty"`
}

const (
	ResReady     = "ready"
	ResLoadError = "load_error"
	ResOK        = "ok"
	ResException = "exception"
)

// Reply is the worker's answer. The first message a worker sends is a
// hello with Res set to ResReady or ResLoadError.
type Reply struct {
	Res    string          `json:"res"`
	Retj   json.RawMessage `json:"retj,omitempty"`
	Time   int64           `json:"time,omitempty"` // usec
	Status int             `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
	Trace  string          `json:"trace,omitempty"`
}

// SendJSON marshals v and sends it as one message.
func SendJSON(t Transport, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Send(b)
}

// RecvJSON receives one message into v.
func RecvJSON(t Transport, v any) error {
	b, err := t.Recv()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Join(ErrProtocol, err)
	}
	return nil
}
