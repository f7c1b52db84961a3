// Package cborprofile converts connection profiles between JSON and a
// compact integer-keyed CBOR form suitable for QR codes and pasteable
// blobs.
package cborprofile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/udmo/udmo/commons/config"
	"github.com/udmo/udmo/profile"
)

const Version = 1

const (
	keyVersion           uint64 = 0
	keyName              uint64 = 1
	keyRemoteAddr        uint64 = 2
	keyMTU               uint64 = 3
	keyHandshakeAttempts uint64 = 4
	keyRetryInterval     uint64 = 5
	keyLivenessTimeout   uint64 = 6
	keyKeepaliveInterval uint64 = 7
	keyReplayCacheSize   uint64 = 8
	keyRateLimitPPS      uint64 = 9
	keyRateLimitBurst    uint64 = 10
)

// EncodeProfile converts a profile into deterministic CBOR bytes.
// Defaults are omitted so shared blobs stay small.
func EncodeProfile(p profile.Profile) ([]byte, error) {
	if p.RemoteAddr == "" {
		return nil, fmt.Errorf("remote_addr required")
	}
	payload := map[uint64]any{
		keyVersion:    uint64(Version),
		keyRemoteAddr: p.RemoteAddr,
	}
	if p.Name != "" {
		payload[keyName] = p.Name
	}
	if p.MTU > 0 && p.MTU != profile.DefaultMTU {
		payload[keyMTU] = uint64(p.MTU)
	}
	if p.HandshakeAttempts > 0 && p.HandshakeAttempts != profile.DefaultHandshakeAttempts {
		payload[keyHandshakeAttempts] = uint64(p.HandshakeAttempts)
	}
	if d := p.RetryInterval.Duration; d > 0 && d != profile.DefaultRetryInterval {
		payload[keyRetryInterval] = uint64(d / time.Millisecond)
	}
	if d := p.LivenessTimeout.Duration; d > 0 && d != profile.DefaultLivenessTimeout {
		payload[keyLivenessTimeout] = uint64(d / time.Millisecond)
	}
	if d := p.KeepaliveInterval.Duration; d > 0 && d != profile.DefaultKeepaliveInterval {
		payload[keyKeepaliveInterval] = uint64(d / time.Millisecond)
	}
	if p.ReplayCacheSize > 0 && p.ReplayCacheSize != profile.DefaultReplayCacheSize {
		payload[keyReplayCacheSize] = uint64(p.ReplayCacheSize)
	}
	if p.RateLimitPPS > 0 && p.RateLimitPPS != profile.DefaultRateLimitPPS {
		payload[keyRateLimitPPS] = uint64(p.RateLimitPPS)
	}
	if p.RateLimitBurst > 0 && p.RateLimitBurst != profile.DefaultRateLimitBurst {
		payload[keyRateLimitBurst] = uint64(p.RateLimitBurst)
	}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(payload)
}

// DecodeProfile parses CBOR bytes into a profile with defaults applied.
func DecodeProfile(data []byte) (profile.Profile, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return profile.Profile{}, err
	}
	var raw map[uint64]any
	if err := mode.Unmarshal(data, &raw); err != nil {
		return profile.Profile{}, err
	}
	version, ok := raw[keyVersion]
	if !ok {
		return profile.Profile{}, fmt.Errorf("cbor profile missing version")
	}
	versionInt, err := asUint(version)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("cbor profile version invalid: %w", err)
	}
	if versionInt != Version {
		return profile.Profile{}, fmt.Errorf("unsupported cbor profile version %d", versionInt)
	}

	var out profile.Profile
	if v, ok := raw[keyName]; ok {
		if out.Name, err = asString(v); err != nil {
			return profile.Profile{}, fmt.Errorf("name: %w", err)
		}
	}
	if v, ok := raw[keyRemoteAddr]; ok {
		if out.RemoteAddr, err = asString(v); err != nil {
			return profile.Profile{}, fmt.Errorf("remote_addr: %w", err)
		}
	}
	if v, ok := raw[keyMTU]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("mtu: %w", err)
		}
		out.MTU = int(val)
	}
	if v, ok := raw[keyHandshakeAttempts]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("handshake_attempts: %w", err)
		}
		out.HandshakeAttempts = int(val)
	}
	for _, f := range []struct {
		key  uint64
		name string
		dst  *config.Duration
	}{
		{keyRetryInterval, "retry_interval", &out.RetryInterval},
		{keyLivenessTimeout, "liveness_timeout", &out.LivenessTimeout},
		{keyKeepaliveInterval, "keepalive_interval", &out.KeepaliveInterval},
	} {
		if v, ok := raw[f.key]; ok {
			ms, err := asUint(v)
			if err != nil {
				return profile.Profile{}, fmt.Errorf("%s: %w", f.name, err)
			}
			*f.dst = config.Duration{Duration: time.Duration(ms) * time.Millisecond}
		}
	}
	if v, ok := raw[keyReplayCacheSize]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("replay_cache_size: %w", err)
		}
		out.ReplayCacheSize = int(val)
	}
	if v, ok := raw[keyRateLimitPPS]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("rate_limit_pps: %w", err)
		}
		out.RateLimitPPS = int(val)
	}
	if v, ok := raw[keyRateLimitBurst]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("rate_limit_burst: %w", err)
		}
		out.RateLimitBurst = int(val)
	}

	out = out.WithDefaults()
	return out, out.Validate()
}

// EncodeJSONProfile converts a JSON profile into CBOR bytes.
func EncodeJSONProfile(jsonData []byte) ([]byte, error) {
	var p profile.Profile
	if err := json.Unmarshal(jsonData, &p); err != nil {
		return nil, err
	}
	return EncodeProfile(p)
}

// DecodeCBORToJSON converts CBOR bytes into an indented JSON profile.
func DecodeCBORToJSON(data []byte) ([]byte, error) {
	p, err := DecodeProfile(data)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(p, "", "  ")
}

func asUint(v any) (uint64, error) {
	switch val := v.(type) {
	case uint64:
		return val, nil
	case int64:
		if val < 0 {
			return 0, fmt.Errorf("negative value %d", val)
		}
		return uint64(val), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type %T", v)
	}
	return s, nil
}
