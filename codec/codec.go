// Package codec defines the pluggable serializer for requests and responses.
//
// A Codec reads and writes whole structures on a stream that holds exactly one
// frame payload; it knows nothing about framing. Two implementations ship:
// gob (the default, type preserving for registered types) and JSON (portable,
// numbers decode as float64 and are coerced by the dispatcher).
package codec

import (
	"bytes"
	"io"

	"github.com/juju/errors"

	"easy-rpc/message"
	"easy-rpc/rpcerr"
)

// Codec encodes and decodes requests and responses. Implementations are
// symmetric: decoding an encoded value yields an equal value.
type Codec interface {
	Name() string
	EncodeRequest(w io.Writer, req *message.Request) error
	DecodeRequest(r io.Reader) (*message.Request, error)
	EncodeResponse(w io.Writer, resp *message.Response) error
	DecodeResponse(r io.Reader) (*message.Response, error)
}

const (
	GobName  = "gob"
	JSONName = "json"
)

// Default is the codec used when none is configured.
var Default Codec = Gob{}

// ByName returns the codec registered under name. The empty name selects Default.
func ByName(name string) (Codec, error) {
	switch name {
	case "":
		return Default, nil
	case GobName:
		return Gob{}, nil
	case JSONName:
		return JSON{}, nil
	}
	return nil, errors.NotFoundf("codec %q", name)
}

// MarshalRequest encodes req into a frame payload.
func MarshalRequest(c Codec, req *message.Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.EncodeRequest(&buf, req); err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrCodec, err, "encoding request %s with %s", req, c.Name())
	}
	return buf.Bytes(), nil
}

// UnmarshalRequest decodes a frame payload into a request.
func UnmarshalRequest(c Codec, payload []byte) (*message.Request, error) {
	req, err := c.DecodeRequest(bytes.NewReader(payload))
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrCodec, err, "decoding request with %s", c.Name())
	}
	return req, nil
}

// MarshalResponse encodes resp into a frame payload.
func MarshalResponse(c Codec, resp *message.Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.EncodeResponse(&buf, resp); err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrCodec, err, "encoding response %q with %s", resp.ID, c.Name())
	}
	return buf.Bytes(), nil
}

// UnmarshalResponse decodes a frame payload into a response and checks that
// it carries exactly one of a result and an error.
func UnmarshalResponse(c Codec, payload []byte) (*message.Response, error) {
	resp, err := c.DecodeResponse(bytes.NewReader(payload))
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrCodec, err, "decoding response with %s", c.Name())
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}
