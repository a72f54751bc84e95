package codec

import (
	"encoding/gob"
	"io"

	"easy-rpc/message"
)

// Gob encodes with encoding/gob. Arguments and results of non-builtin types
// travel inside interface values and must be registered with Register on both
// sides before use.
type Gob struct{}

// Register makes the concrete type of v transmissible as an argument or result.
func Register(v any) {
	gob.Register(v)
}

func (Gob) Name() string { return GobName }

func (Gob) EncodeRequest(w io.Writer, req *message.Request) error {
	return gob.NewEncoder(w).Encode(req)
}

func (Gob) DecodeRequest(r io.Reader) (*message.Request, error) {
	req := new(message.Request)
	if err := gob.NewDecoder(r).Decode(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (Gob) EncodeResponse(w io.Writer, resp *message.Response) error {
	return gob.NewEncoder(w).Encode(resp)
}

func (Gob) DecodeResponse(r io.Reader) (*message.Response, error) {
	resp := new(message.Response)
	if err := gob.NewDecoder(r).Decode(resp); err != nil {
		return nil, err
	}
	return resp, nil
}
