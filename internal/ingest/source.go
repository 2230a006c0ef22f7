package ingest

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
)

// ContentTypeMsgpack selects the msgpack stream codec.
const ContentTypeMsgpack = "application/msgpack"

type rawSource struct {
	items []json.RawMessage
	pos   int
}

// NewRawSource yields the events of a JSON batch.
func NewRawSource(items []json.RawMessage) Source {
	return &rawSource{items: items}
}

func (r *rawSource) Next() (Candidate, error) {
	if r.pos >= len(r.items) {
		return Candidate{}, io.EOF
	}
	raw := r.items[r.pos]
	r.pos++
	return decodeJSON(raw), nil
}

func decodeJSON(raw []byte) Candidate {
	var ev models.PassengerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Candidate{Err: err}
	}
	return Candidate{Event: ev, Payload: bytes.Clone(raw)}
}

type ndjsonSource struct {
	dec *json.Decoder
}

// NewNDJSONSource reads one JSON event per line (any whitespace separated
// sequence of JSON values works).
func NewNDJSONSource(r io.Reader) Source {
	return &ndjsonSource{dec: json.NewDecoder(r)}
}

func (n *ndjsonSource) Next() (Candidate, error) {
	var raw json.RawMessage
	if err := n.dec.Decode(&raw); err != nil {
		return Candidate{}, err
	}
	return decodeJSON(raw), nil
}

type msgpackSource struct {
	dec *msgpack.Decoder
}

// NewMsgpackSource reads a sequence of msgpack encoded events whose map keys
// are the JSON field names.
func NewMsgpackSource(r io.Reader) Source {
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	return &msgpackSource{dec: dec}
}

func (m *msgpackSource) Next() (Candidate, error) {
	var ev models.PassengerEvent
	if err := m.dec.Decode(&ev); err != nil {
		return Candidate{}, err
	}
	return Candidate{Event: ev}, nil
}

// NewStreamSource picks the codec for a request content type.
func NewStreamSource(contentType string, r io.Reader) Source {
	if contentType == ContentTypeMsgpack {
		return NewMsgpackSource(r)
	}
	return NewNDJSONSource(r)
}

// EncodeStream writes events with the codec for contentType. It mirrors
// NewStreamSource and is used by devices.
func EncodeStream(w io.Writer, contentType string, events []models.PassengerEvent) error {
	if contentType == ContentTypeMsgpack {
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
