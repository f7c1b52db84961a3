package cborprofile

import (
	"testing"
	"time"

	"github.com/udmo/udmo/commons/config"
	"github.com/udmo/udmo/profile"
)

func TestProfileRoundTrip(t *testing.T) {
	in := profile.Profile{
		Name:              "homelab",
		RemoteAddr:        "example.org:60123",
		MTU:               1400,
		HandshakeAttempts: 20,
		RetryInterval:     config.Duration{Duration: 500 * time.Millisecond},
		LivenessTimeout:   config.Duration{Duration: 2 * time.Minute},
		RateLimitPPS:      30,
	}

	data, err := EncodeProfile(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeProfile(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.Name != in.Name || out.RemoteAddr != in.RemoteAddr {
		t.Fatalf("identity fields lost: %+v", out)
	}
	if out.MTU != 1400 || out.HandshakeAttempts != 20 || out.RateLimitPPS != 30 {
		t.Fatalf("numeric fields lost: %+v", out)
	}
	if out.RetryInterval.Duration != 500*time.Millisecond || out.LivenessTimeout.Duration != 2*time.Minute {
		t.Fatalf("durations lost: %+v", out)
	}
	// Unset fields come back as defaults.
	if out.KeepaliveInterval.Duration != profile.DefaultKeepaliveInterval {
		t.Fatalf("keepalive default not applied: %v", out.KeepaliveInterval)
	}
	if out.ReplayCacheSize != profile.DefaultReplayCacheSize {
		t.Fatalf("replay cache default not applied: %d", out.ReplayCacheSize)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	p := profile.Profile{Name: "a", RemoteAddr: "h:1", MTU: 1400}
	first, err := EncodeProfile(p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := EncodeProfile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatal("encoding is not deterministic")
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	if _, err := EncodeProfile(profile.Profile{}); err == nil {
		t.Fatal("profile without remote_addr encoded")
	}
	if _, err := DecodeProfile([]byte{0xFF, 0x00}); err == nil {
		t.Fatal("garbage CBOR decoded")
	}
	// A valid map without the version key is rejected.
	data, err := EncodeJSONProfile([]byte(`{"remote_addr":"h:1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeProfile(data[:1]); err == nil {
		t.Fatal("truncated CBOR decoded")
	}
}

func TestJSONConversions(t *testing.T) {
	data, err := EncodeJSONProfile([]byte(`{"remote_addr":"example.org:60123","mtu":1280}`))
	if err != nil {
		t.Fatalf("json -> cbor: %v", err)
	}
	jsonOut, err := DecodeCBORToJSON(data)
	if err != nil {
		t.Fatalf("cbor -> json: %v", err)
	}
	out, err := DecodeProfile(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.RemoteAddr != "example.org:60123" || out.MTU != 1280 {
		t.Fatalf("round trip lost fields: %+v", out)
	}
	if len(jsonOut) == 0 {
		t.Fatal("empty JSON output")
	}
}
