package chainauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name:      "test config valid",
			mutate:    func(*Config) {},
			wantValid: true,
		},
		{
			name: "jwt leeway valid",
			mutate: func(c *Config) {
				c.JWT.Leeway = 45 * time.Second
			},
			wantValid: true,
		},
		{
			name: "jwt leeway invalid",
			mutate: func(c *Config) {
				c.JWT.Leeway = 3 * time.Minute
			},
			wantValid: false,
		},
		{
			name: "refresh ttl not above access ttl",
			mutate: func(c *Config) {
				c.JWT.RefreshTTL = c.JWT.AccessTTL
			},
			wantValid: false,
		},
		{
			name: "hs256 short secret",
			mutate: func(c *Config) {
				c.JWT.PrivateKey = []byte("too-short")
			},
			wantValid: false,
		},
		{
			name: "signing method unsupported",
			mutate: func(c *Config) {
				c.JWT.SigningMethod = "rs256"
			},
			wantValid: false,
		},
		{
			name: "ed25519 without keys",
			mutate: func(c *Config) {
				c.JWT.SigningMethod = "ed25519"
				c.JWT.PrivateKey = nil
			},
			wantValid: false,
		},
		{
			name: "retention shorter than refresh ttl",
			mutate: func(c *Config) {
				c.Chain.RecordRetention = c.JWT.RefreshTTL / 2
			},
			wantValid: false,
		},
		{
			name: "retention disabled",
			mutate: func(c *Config) {
				c.Chain.RecordRetention = 0
			},
			wantValid: true,
		},
		{
			name: "max chain walk zero",
			mutate: func(c *Config) {
				c.Chain.MaxChainWalk = 0
			},
			wantValid: false,
		},
		{
			name: "password min length too small",
			mutate: func(c *Config) {
				c.Password.MinLength = 6
			},
			wantValid: false,
		},
		{
			name: "password max below min",
			mutate: func(c *Config) {
				c.Password.MaxLength = c.Password.MinLength - 1
			},
			wantValid: false,
		},
		{
			name: "reset ttl above one hour",
			mutate: func(c *Config) {
				c.PasswordReset.ResetTTL = 2 * time.Hour
			},
			wantValid: false,
		},
		{
			name: "reset disabled ignores reset fields",
			mutate: func(c *Config) {
				c.PasswordReset.Enabled = false
				c.PasswordReset.ResetTTL = 2 * time.Hour
			},
			wantValid: true,
		},
		{
			name: "confirm limits without window",
			mutate: func(c *Config) {
				c.PasswordReset.EnableConfirmLimits = true
				c.PasswordReset.ConfirmWindow = 0
			},
			wantValid: false,
		},
		{
			name: "ip throttle without login throttle",
			mutate: func(c *Config) {
				c.Security.EnableLoginThrottle = false
				c.Security.EnableIPThrottle = true
			},
			wantValid: false,
		},
		{
			name: "audit enabled without buffer",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.BufferSize = 0
			},
			wantValid: false,
		},
		{
			name: "latency histograms without metrics",
			mutate: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.EnableLatencyHistograms = true
			},
			wantValid: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestConfigValidateEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected default config without keys to be rejected")
	}

	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config with keys to be valid, got %v", err)
	}
}

func TestCloneConfigCopiesKeys(t *testing.T) {
	cfg := testConfig()
	clone := cloneConfig(cfg)

	clone.JWT.PrivateKey[0] ^= 0xff
	if cfg.JWT.PrivateKey[0] == clone.JWT.PrivateKey[0] {
		t.Fatal("expected clone to own its key bytes")
	}
}
