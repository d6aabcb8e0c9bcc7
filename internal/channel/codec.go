package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ocx/workerlink/internal/transaction"
)

// Codec converts envelopes to frames and back.
type Codec interface {
	EncodeRequest(req transaction.RequestEnvelope) ([]byte, error)
	DecodeRequest(frame []byte) (transaction.RequestEnvelope, error)
	EncodeResponse(resp transaction.ResponseEnvelope) ([]byte, error)
	DecodeResponse(frame []byte) (transaction.ResponseEnvelope, error)
}

var errMissingID = errors.New("envelope has no id")

// JSONCodec encodes envelopes as compact JSON objects. Compact JSON never
// contains a raw newline, so line-oriented transports can frame on '\n'.
type JSONCodec struct{}

func (JSONCodec) EncodeRequest(req transaction.RequestEnvelope) ([]byte, error) {
	return json.Marshal(req)
}

func (JSONCodec) DecodeRequest(frame []byte) (transaction.RequestEnvelope, error) {
	var req transaction.RequestEnvelope
	if err := json.Unmarshal(frame, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	if req.ID == "" {
		return req, errMissingID
	}
	if req.Op == "" {
		return req, fmt.Errorf("request %s has no operation", req.ID)
	}
	return req, nil
}

func (JSONCodec) EncodeResponse(resp transaction.ResponseEnvelope) ([]byte, error) {
	return json.Marshal(resp)
}

func (JSONCodec) DecodeResponse(frame []byte) (transaction.ResponseEnvelope, error) {
	var resp transaction.ResponseEnvelope
	if err := json.Unmarshal(frame, &resp); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	if resp.ID == "" {
		return resp, errMissingID
	}
	return resp, nil
}
