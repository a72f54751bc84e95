// Package message defines the Request and Response structures exchanged between client and server.
//
// A Request names its target by declaring type, method and parameter type names, mirroring the
// signature a handler exposes. A Response carries either a result or a RemoteError, never both and
// never neither: a method without a result still answers with OK set and a nil Result.
// The ID is carried for correlation in logs only; connections never demultiplex on it.
package message

import (
	"fmt"
	"slices"

	"github.com/juju/errors"

	"easy-rpc/rpcerr"
)

// Request is one remote invocation. It is immutable once handed to a connection.
type Request struct {
	ID         string   `json:"id,omitempty"`
	TargetType string   `json:"type"`             // Registry key of the handler, e.g. "Calc"
	Method     string   `json:"method"`           // Method name, e.g. "Add"
	ParamTypes []string `json:"params,omitempty"` // Go type names of the parameters, e.g. ["int", "int"]
	Args       []any    `json:"args,omitempty"`
}

// NewRequest builds a request. The argument slice is copied.
func NewRequest(id, targetType, method string, paramTypes []string, args ...any) *Request {
	return &Request{
		ID:         id,
		TargetType: targetType,
		Method:     method,
		ParamTypes: slices.Clone(paramTypes),
		Args:       slices.Clone(args),
	}
}

// Validate reports structural problems that make a request undispatchable.
func (r *Request) Validate() error {
	switch {
	case r.TargetType == "":
		return errors.NotValidf("request without target type")
	case r.Method == "":
		return errors.NotValidf("request without method")
	case len(r.ParamTypes) != len(r.Args):
		return errors.NotValidf("request with %d parameter types and %d arguments", len(r.ParamTypes), len(r.Args))
	}
	return nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s.%s%v#%s", r.TargetType, r.Method, r.ParamTypes, r.ID)
}

// Response is the outcome of one Request.
type Response struct {
	ID     string       `json:"id,omitempty"`
	OK     bool         `json:"ok,omitempty"` // set on the result branch, also when Result is nil
	Result any          `json:"result"`
	Error  *RemoteError `json:"error,omitempty"`
}

// NewResult builds a successful response. A nil result is how methods
// without a return value answer.
func NewResult(id string, result any) *Response {
	return &Response{ID: id, OK: true, Result: result}
}

// NewError builds a failed response from err. Errors of a known rpcerr kind
// keep their kind across the wire, anything else is an application error.
func NewError(id string, err error) *Response {
	return &Response{ID: id, Error: ToRemote(err)}
}

// Validate rejects responses carrying both a result and an error, or neither.
func (r *Response) Validate() error {
	switch {
	case r.Error != nil && (r.OK || r.Result != nil):
		return rpcerr.Wrapf(rpcerr.ErrCodec, nil, "response %q carries both result and error", r.ID)
	case r.Error == nil && !r.OK:
		return rpcerr.Wrapf(rpcerr.ErrCodec, nil, "response %q carries neither result nor error", r.ID)
	}
	return nil
}

// Err returns the carried error as a Go error, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Application is the code of errors raised by handlers themselves.
const Application = "application"

// RemoteError is an error raised on the server, carried verbatim to the caller.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToRemote converts err for transmission. A *RemoteError passes through unchanged.
func ToRemote(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	code := rpcerr.Kind(err)
	if code == "" {
		code = Application
	}
	return &RemoteError{Code: code, Message: err.Error()}
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, rpcerr.ErrResolution) hold for a resolution failure
// that happened on the server.
func (e *RemoteError) Is(target error) bool {
	kind, ok := target.(errors.ConstError)
	if !ok {
		return false
	}
	want, known := rpcerr.FromKind(e.Code)
	return known && want == kind
}
