package wire

import (
	"encoding/gob"
	"io"
)

// Codec pairs a gob encoder and decoder over one connection, mirroring
// the teacher's inline gob.NewEncoder/gob.NewDecoder pairing in
// cmd/perflock/client.go and daemon.go.
type Codec struct {
	enc *gob.Encoder
	dec *gob.Decoder
}

// NewCodec wraps rw for framed Request/response exchange.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{enc: gob.NewEncoder(rw), dec: gob.NewDecoder(rw)}
}

// Send encodes a Request carrying action.
func (c *Codec) Send(action interface{}) error {
	return c.enc.Encode(Request{Action: action})
}

// Recv decodes the next Request from the peer.
func (c *Codec) Recv() (Request, error) {
	var req Request
	err := c.dec.Decode(&req)
	return req, err
}

// SendResponse encodes a bare response value (no envelope, matching the
// teacher's asymmetric protocol: requests are wrapped, responses are
// not).
func (c *Codec) SendResponse(resp interface{}) error {
	return c.enc.Encode(resp)
}

// RecvResponse decodes a response into dst.
func (c *Codec) RecvResponse(dst interface{}) error {
	return c.dec.Decode(dst)
}
