package codec

import (
	"encoding/json"
	"io"

	"easy-rpc/message"
)

// JSON uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: numbers lose their Go type (float64 on decode) and composite values
// arrive as maps; the dispatcher and client.Call coerce them back.
type JSON struct{}

func (JSON) Name() string { return JSONName }

func (JSON) EncodeRequest(w io.Writer, req *message.Request) error {
	return json.NewEncoder(w).Encode(req)
}

func (JSON) DecodeRequest(r io.Reader) (*message.Request, error) {
	req := new(message.Request)
	if err := json.NewDecoder(r).Decode(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (JSON) EncodeResponse(w io.Writer, resp *message.Response) error {
	return json.NewEncoder(w).Encode(resp)
}

func (JSON) DecodeResponse(r io.Reader) (*message.Response, error) {
	resp := new(message.Response)
	if err := json.NewDecoder(r).Decode(resp); err != nil {
		return nil, err
	}
	return resp, nil
}
