// Package profile defines the portable connection profile shared
// between operators: everything needed to reach a serve endpoint
// except the static key itself.
package profile

import (
	"fmt"
	"time"

	"github.com/udmo/udmo/commons/config"
)

const (
	DefaultMTU               = 1500
	DefaultHandshakeAttempts = 50
	DefaultRetryInterval     = 200 * time.Millisecond
	DefaultLivenessTimeout   = 90 * time.Second
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultReplayCacheSize   = 4096
	DefaultRateLimitPPS      = 10
	DefaultRateLimitBurst    = 5
)

// Profile carries tunnel settings for both ends. The key file stays a
// local path: profiles are meant to be shared, keys are not.
type Profile struct {
	Name              string          `json:"name,omitempty"`
	RemoteAddr        string          `json:"remote_addr"`
	KeyFile           string          `json:"key_file,omitempty"`
	MTU               int             `json:"mtu,omitempty"`
	HandshakeAttempts int             `json:"handshake_attempts,omitempty"`
	RetryInterval     config.Duration `json:"retry_interval,omitempty"`
	LivenessTimeout   config.Duration `json:"liveness_timeout,omitempty"`
	KeepaliveInterval config.Duration `json:"keepalive_interval,omitempty"`
	ReplayCacheSize   int             `json:"replay_cache_size,omitempty"`
	RateLimitPPS      int             `json:"rate_limit_pps,omitempty"`
	RateLimitBurst    int             `json:"rate_limit_burst,omitempty"`
}

// WithDefaults fills unset fields.
func (p Profile) WithDefaults() Profile {
	if p.MTU <= 0 {
		p.MTU = DefaultMTU
	}
	if p.HandshakeAttempts <= 0 {
		p.HandshakeAttempts = DefaultHandshakeAttempts
	}
	if p.RetryInterval.Duration <= 0 {
		p.RetryInterval = config.Duration{Duration: DefaultRetryInterval}
	}
	if p.LivenessTimeout.Duration <= 0 {
		p.LivenessTimeout = config.Duration{Duration: DefaultLivenessTimeout}
	}
	if p.KeepaliveInterval.Duration <= 0 {
		p.KeepaliveInterval = config.Duration{Duration: DefaultKeepaliveInterval}
	}
	if p.ReplayCacheSize <= 0 {
		p.ReplayCacheSize = DefaultReplayCacheSize
	}
	if p.RateLimitPPS <= 0 {
		p.RateLimitPPS = DefaultRateLimitPPS
	}
	if p.RateLimitBurst <= 0 {
		p.RateLimitBurst = DefaultRateLimitBurst
	}
	return p
}

// Validate rejects unusable settings. A missing remote address is not
// an error here: serve-side profiles carry tuning only, and the
// consumers that need a remote (connect, CBOR encoding) check for one
// themselves.
func (p Profile) Validate() error {
	if p.MTU != 0 && p.MTU < 576 {
		return fmt.Errorf("mtu %d below minimum datagram size", p.MTU)
	}
	if p.KeepaliveInterval.Duration > 0 && p.LivenessTimeout.Duration > 0 &&
		p.KeepaliveInterval.Duration >= p.LivenessTimeout.Duration {
		return fmt.Errorf("keepalive_interval must be shorter than liveness_timeout")
	}
	return nil
}

// Load reads a JSON profile file and applies defaults.
func Load(path string) (Profile, error) {
	var p Profile
	if err := config.LoadJSONFile(path, &p); err != nil {
		return p, err
	}
	p = p.WithDefaults()
	return p, p.Validate()
}
