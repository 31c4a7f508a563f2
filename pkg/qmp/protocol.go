package qmp

import (
	"encoding/json"
	"fmt"
)

// Greeting is the first message sent by QEMU on a new QMP connection.
type Greeting struct {
	QMP struct {
		Version struct {
			QEMU struct {
				Major int `json:"major"`
				Minor int `json:"minor"`
				Micro int `json:"micro"`
			} `json:"qemu"`
			Package string `json:"package"`
		} `json:"version"`
		Capabilities []string `json:"capabilities"`
	} `json:"QMP"`
}

// Version returns the QEMU version announced in the greeting.
func (g *Greeting) Version() string {
	v := g.QMP.Version.QEMU
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// Request is a QMP command. ID is assigned by the Client.
type Request struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
	ID        string      `json:"id,omitempty"`
}

// NewRequest returns a request for command with the given arguments, args
// may be nil.
func NewRequest(command string, args interface{}) *Request {
	return &Request{Execute: command, Arguments: args}
}

// Response is the reply to a Request. Exactly one of Return and Error is
// set.
type Response struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// Err returns the error carried by the response, if any.
func (r *Response) Err() error {
	if r.Error != nil {
		return r.Error
	}
	return nil
}

// Decode unmarshals the return value of a successful response into v.
func (r *Response) Decode(v interface{}) error {
	if err := r.Err(); err != nil {
		return err
	}
	if v == nil || len(r.Return) == 0 {
		return nil
	}
	return json.Unmarshal(r.Return, v)
}

// Error is an error reply from QEMU.
type Error struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("qmp: %s: %s", e.Class, e.Desc)
}

// Event is an asynchronous notification sent by QEMU.
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp struct {
		Seconds      int64 `json:"seconds"`
		Microseconds int64 `json:"microseconds"`
	} `json:"timestamp"`
}
