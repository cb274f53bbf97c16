package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrFrameChannel = errors.New("frame: unknown channel")
	ErrFrameKind    = errors.New("frame: unknown kind")
	ErrFrameID      = errors.New("frame: missing id")
)

// EncodeFrame serializes an envelope for the websocket transport.
func EncodeFrame(env Envelope) ([]byte, error) {
	if err := checkFrame(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeFrame parses and checks a websocket frame.
func DecodeFrame(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if err := checkFrame(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func checkFrame(env Envelope) error {
	if !env.Channel.Valid() {
		return ErrFrameChannel
	}
	switch env.Kind {
	case KindRequest:
		if strings.TrimSpace(env.ID) == "" {
			return ErrFrameID
		}
	case KindResponse:
		if strings.TrimSpace(env.CorrelationID) == "" {
			return ErrFrameID
		}
	case KindEvent:
	default:
		return ErrFrameKind
	}
	return nil
}
