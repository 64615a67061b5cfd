package wire

import "testing"

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := EncodePayload(RegisterRequest{HopCount: 2})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	var codec EnvelopeCodec
	data, err := codec.Encode(Envelope{CorrelationID: "abc", Kind: EnvelopeRegisterRequest, Payload: payload})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CorrelationID != "abc" || got.Kind != EnvelopeRegisterRequest {
		t.Fatalf("unexpected envelope: %+v", got)
	}

	var req RegisterRequest
	if err := DecodePayload(got.Payload, &req); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if req.HopCount != 2 {
		t.Fatalf("HopCount = %d, want 2", req.HopCount)
	}
}
