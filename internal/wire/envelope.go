package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// EnvelopeKind distinguishes what a wire.Envelope carries: a data
// Frame (grain-to-grain traffic) or one of the control-plane messages
// exchanged between directory partitions (spec.md §6).
type EnvelopeKind uint8

const (
	EnvelopeFrame EnvelopeKind = iota
	EnvelopeRegisterRequest
	EnvelopeRegisterResponse
	EnvelopeUnregisterRequest
	EnvelopeUnregisterManyRequest
	EnvelopeLookupRequest
	EnvelopeLookupResponse
	EnvelopeDeleteRequest
	EnvelopeAcceptSplitRequest
	EnvelopeRemoveHandoffPartitionRequest
	EnvelopeAck
	EnvelopeError
)

// Envelope is the single top-level type carried over a silo-to-silo
// TCP connection: a correlation id for matching requests to replies,
// a kind tag, and a gob-encoded payload of the matching type. One
// Envelope type multiplexing several payload shapes over one
// connection mirrors the retrieved tinode/chat cluster file's session
// multiplexing pattern (SPEC_FULL.md §4).
type Envelope struct {
	CorrelationID string
	Kind          EnvelopeKind
	Payload       []byte
	ErrorMessage  string
}

// EnvelopeCodec encodes/decodes Envelopes with encoding/gob, the same
// stdlib choice GobCodec makes for Frame (SPEC_FULL.md §6).
type EnvelopeCodec struct{}

// Encode serializes e.
func (EnvelopeCodec) Encode(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes an Envelope previously produced by Encode.
func (EnvelopeCodec) Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return e, nil
}

// EncodePayload gob-encodes v as an Envelope's Payload.
func EncodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload gob-decodes an Envelope's Payload into v.
func DecodePayload(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("wire: decode payload: %w", err)
	}
	return nil
}
