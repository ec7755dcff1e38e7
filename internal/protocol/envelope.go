// Package protocol defines the JSON frames exchanged over the realtime
// WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"campaignsync/internal/apperr"
)

// Frame is the envelope of every message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorEnvelope is the payload of an error frame.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the machine code and a human message.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// AckPayload confirms an accepted request.
type AckPayload struct {
	Status   string `json:"status"`
	Sequence uint64 `json:"sequence,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType, requestID string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, RequestID: requestID}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	frame.Payload = raw
	return frame, nil
}

// ErrorFrame converts err into an error frame addressed to requestID.
func ErrorFrame(requestID string, err error) Frame {
	code := apperr.CodeOf(err)
	body := ErrorBody{
		Code:      string(code),
		Message:   apperr.MessageOf(err),
		Retryable: code.Retryable(),
	}
	raw, _ := json.Marshal(ErrorEnvelope{Error: body})
	return Frame{Type: TypeError, RequestID: requestID, Payload: raw}
}

// AckFrame acknowledges requestID.
func AckFrame(requestID string, sequence uint64) Frame {
	raw, _ := json.Marshal(AckPayload{Status: "ok", Sequence: sequence})
	return Frame{Type: TypeAck, RequestID: requestID, Payload: raw}
}

// Decode parses raw into a frame and its typed inbound message. Unknown
// types and malformed payloads fail with INVALID_ARGUMENT; the returned
// frame still carries the request id when it could be read.
func Decode(raw []byte) (Frame, Message, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, nil, apperr.Wrap(apperr.CodeInvalidArgument, "malformed frame", err)
	}
	frame.Type = strings.TrimSpace(frame.Type)
	factory, ok := inboundTypes[frame.Type]
	if !ok {
		return frame, nil, apperr.New(apperr.CodeInvalidArgument, fmt.Sprintf("unknown message type %q", frame.Type))
	}
	msg := factory()
	if len(frame.Payload) > 0 && string(frame.Payload) != "null" {
		if err := json.Unmarshal(frame.Payload, msg); err != nil {
			return frame, nil, apperr.Wrap(apperr.CodeInvalidArgument, "malformed "+frame.Type+" payload", err)
		}
	}
	if err := msg.Validate(); err != nil {
		return frame, nil, err
	}
	return frame, msg, nil
}
