// Package config loads chainauth-server settings from a YAML file overlaid
// with environment variables.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/idatt2105/chainauth"
)

const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Server struct {
	Addr         string `yaml:"addr"`
	Store        string `yaml:"store"`
	RedisAddr    string `yaml:"redis_addr"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	UsersFile    string `yaml:"users_file"`
	AdminRole    string `yaml:"admin_role"`
	ResetBaseURL string `yaml:"reset_base_url"`
	LogLevel     string `yaml:"log_level"`

	Token TokenSettings `yaml:"token"`
	AMQP  AMQPSettings  `yaml:"amqp"`
	Auth  AuthSettings  `yaml:"auth"`
}

type TokenSettings struct {
	SigningMethod string        `yaml:"signing_method"`
	Secret        string        `yaml:"secret"`
	Ed25519Seed   string        `yaml:"ed25519_seed"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	Header        string        `yaml:"header"`
	Scheme        string        `yaml:"scheme"`
}

type AMQPSettings struct {
	URL        string `yaml:"url"`
	MailQueue  string `yaml:"mail_queue"`
	AuditQueue string `yaml:"audit_queue"`
}

type AuthSettings struct {
	MaxLoginAttempts int           `yaml:"max_login_attempts"`
	LoginCooldown    time.Duration `yaml:"login_cooldown"`
	ResetTTL         time.Duration `yaml:"reset_ttl"`
	Audit            bool          `yaml:"audit"`
	Metrics          bool          `yaml:"metrics"`
}

func Default() Server {
	return Server{
		Addr:         ":8080",
		Store:        StoreMemory,
		AdminRole:    "admin",
		ResetBaseURL: "http://localhost:8080/auth/reset-password",
		LogLevel:     "info",
		Token: TokenSettings{
			SigningMethod: "hs256",
			Issuer:        "chainauth",
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			Header:        "Authorization",
			Scheme:        "Bearer",
		},
		AMQP: AMQPSettings{
			MailQueue:  "chainauth.mail",
			AuditQueue: "chainauth.audit",
		},
		Auth: AuthSettings{
			MaxLoginAttempts: 5,
			LoginCooldown:    15 * time.Minute,
			ResetTTL:         15 * time.Minute,
			Metrics:          true,
		},
	}
}

// Load reads path (optional; a missing file keeps defaults) and then applies
// CHAINAUTH_* environment overrides.
func Load(path string) (Server, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Server{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Server{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Server) error {
	str := map[string]*string{
		"CHAINAUTH_ADDR":           &cfg.Addr,
		"CHAINAUTH_STORE":          &cfg.Store,
		"CHAINAUTH_REDIS_ADDR":     &cfg.RedisAddr,
		"CHAINAUTH_POSTGRES_DSN":   &cfg.PostgresDSN,
		"CHAINAUTH_USERS_FILE":     &cfg.UsersFile,
		"CHAINAUTH_ADMIN_ROLE":     &cfg.AdminRole,
		"CHAINAUTH_RESET_BASE_URL": &cfg.ResetBaseURL,
		"CHAINAUTH_LOG_LEVEL":      &cfg.LogLevel,
		"CHAINAUTH_SIGNING_METHOD": &cfg.Token.SigningMethod,
		"CHAINAUTH_JWT_SECRET":     &cfg.Token.Secret,
		"CHAINAUTH_ED25519_SEED":   &cfg.Token.Ed25519Seed,
		"CHAINAUTH_ISSUER":         &cfg.Token.Issuer,
		"CHAINAUTH_TOKEN_HEADER":   &cfg.Token.Header,
		"CHAINAUTH_AMQP_URL":       &cfg.AMQP.URL,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CHAINAUTH_ACCESS_TTL":  &cfg.Token.AccessTTL,
		"CHAINAUTH_REFRESH_TTL": &cfg.Token.RefreshTTL,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("CHAINAUTH_MAX_LOGIN_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAINAUTH_MAX_LOGIN_ATTEMPTS: %w", err)
		}
		cfg.Auth.MaxLoginAttempts = n
	}
	return nil
}

func (s Server) Validate() error {
	switch s.Store {
	case StoreRedis:
		if s.RedisAddr == "" {
			return errors.New("store redis requires redis_addr")
		}
	case StorePostgres:
		if s.PostgresDSN == "" {
			return errors.New("store postgres requires postgres_dsn")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", s.Store)
	}
	if s.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if s.UsersFile == "" {
		return errors.New("users_file must be set")
	}
	return nil
}

// EngineConfig maps server settings onto the library configuration. Key
// material is decoded here; key strength is left to chainauth.Config.Validate.
func (s Server) EngineConfig() (chainauth.Config, error) {
	cfg := chainauth.DefaultConfig()
	cfg.JWT.SigningMethod = s.Token.SigningMethod
	cfg.JWT.Issuer = s.Token.Issuer
	cfg.JWT.Audience = s.Token.Audience
	cfg.JWT.AccessTTL = s.Token.AccessTTL
	cfg.JWT.RefreshTTL = s.Token.RefreshTTL

	switch s.Token.SigningMethod {
	case "hs256":
		cfg.JWT.PrivateKey = []byte(s.Token.Secret)
	case "ed25519":
		seed, err := base64.StdEncoding.DecodeString(s.Token.Ed25519Seed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return chainauth.Config{}, errors.New("ed25519_seed must be base64 of 32 bytes")
		}
		priv := ed25519.NewKeyFromSeed(seed)
		cfg.JWT.PrivateKey = priv
		cfg.JWT.PublicKey = priv.Public().(ed25519.PublicKey)
	}

	cfg.Security.MaxLoginAttempts = s.Auth.MaxLoginAttempts
	cfg.Security.LoginCooldownDuration = s.Auth.LoginCooldown
	cfg.PasswordReset.ResetTTL = s.Auth.ResetTTL
	cfg.Audit.Enabled = s.Auth.Audit
	cfg.Metrics.Enabled = s.Auth.Metrics
	cfg.Metrics.EnableLatencyHistograms = s.Auth.Metrics

	if cfg.Chain.RecordRetention != 0 && cfg.Chain.RecordRetention <= cfg.JWT.RefreshTTL {
		cfg.Chain.RecordRetention = 2 * cfg.JWT.RefreshTTL
	}
	return cfg, cfg.Validate()
}
