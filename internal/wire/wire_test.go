package wire

import "testing"

func TestGobCodecRoundTrip(t *testing.T) {
	f := Frame{
		Direction:     DirectionRequest,
		SenderSilo:    "silo-a#1",
		SenderGrain:   "Thermostat/roomA",
		TargetSilo:    "silo-b#1",
		TargetGrain:   "Thermostat/roomA",
		InterfaceID:   7,
		MethodID:      3,
		CorrelationID: "abc-123",
		HopCount:      2,
		RetryCount:    1,
		CacheEtag:     42,
		Body:          []byte(`{"status":22}`),
	}

	var codec GobCodec
	data, err := codec.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != f {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestRejectionFrameCarriesKind(t *testing.T) {
	f := Frame{
		Direction:       DirectionRejection,
		RejectionKind:   RejectionCacheInvalidation,
		RejectionReason: "activation not found",
	}
	var codec GobCodec
	data, err := codec.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.RejectionKind != RejectionCacheInvalidation {
		t.Errorf("RejectionKind = %v, want %v", got.RejectionKind, RejectionCacheInvalidation)
	}
}

func TestDirectionString(t *testing.T) {
	cases := map[Direction]string{
		DirectionRequest:    "request",
		DirectionResponse:   "response",
		DirectionOneWay:     "one_way",
		DirectionRejection:  "rejection",
		Direction(99):       "unknown",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Errorf("Direction(%d).String() = %q, want %q", d, got, want)
		}
	}
}
