package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/meshmq/meshmq/contracts"
)

// Parser turns raw backend messages into envelopes, extracting payload,
// headers, correlation id, and reply-to per the backend's wire convention.
// Backend adapters provide the implementation for their raw message type.
//
// A parse failure is a decode-time error: the engine routes it through the
// normal handler-failure path instead of crashing the consumption loop.
type Parser[T any] interface {
	// Parse builds a single-mode envelope from one raw message.
	Parse(raw T) (*contracts.Envelope[T], error)

	// ParseBatch builds one envelope wrapping an ordered batch.
	ParseBatch(raws []T) (*contracts.Envelope[T], error)
}

// Decoder turns raw payload bytes into the structured value handlers see on
// Envelope.Body. Decode failures flow through the handler-failure path.
type Decoder func(payload []byte, headers map[string]string) (any, error)

// JSONDecoder decodes JSON payloads, falling back to the raw bytes when the
// payload is not valid JSON. This is the subscriber default.
func JSONDecoder(payload []byte, headers map[string]string) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload, nil
	}
	return v, nil
}

// StrictJSONDecoder decodes JSON payloads and fails on malformed input.
func StrictJSONDecoder(payload []byte, headers map[string]string) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// decodeEnvelope applies the decoder to the envelope payload(s) and stores the
// result on Body. Batch envelopes decode item by item into an ordered slice.
func decodeEnvelope[T any](env *contracts.Envelope[T], decode Decoder) error {
	if decode == nil {
		return nil
	}

	if env.Batch() {
		items := make([]any, 0, len(env.BatchPayloads))
		for i, payload := range env.BatchPayloads {
			v, err := decode(payload, env.Headers)
			if err != nil {
				return fmt.Errorf("decode batch item %d: %w", i, err)
			}
			items = append(items, v)
		}
		env.Body = items
		return nil
	}

	v, err := decode(env.Payload, env.Headers)
	if err != nil {
		return err
	}
	env.Body = v
	return nil
}
