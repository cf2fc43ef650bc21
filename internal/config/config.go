// Package config loads process configuration from ORGPASS_* environment
// variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"orgpass.org/internal/fieldcodec"
)

// Config is the full runtime configuration of the API server.
type Config struct {
	HTTPAddr       string        `env:"ORGPASS_HTTP_ADDR"        envDefault:":8080"`
	GRPCAddr       string        `env:"ORGPASS_GRPC_ADDR"        envDefault:":9090"`
	LogLevel       string        `env:"ORGPASS_LOG_LEVEL"        envDefault:"info"`
	DatabaseURL    string        `env:"ORGPASS_PG_DSN"`
	AuthSecret     string        `env:"ORGPASS_AUTH_SECRET,required"`
	AuthIssuer     string        `env:"ORGPASS_AUTH_ISSUER"      envDefault:"orgpass"`
	TokenTTL       time.Duration `env:"ORGPASS_TOKEN_TTL"        envDefault:"15m"`
	FieldKeys      FieldKeys     `env:"ORGPASS_FIELD_KEYS,required"`
	FieldKeyActive uint8         `env:"ORGPASS_FIELD_KEY_ACTIVE" envDefault:"1"`
	RatePerSec     float64       `env:"ORGPASS_RATE_PER_SEC"     envDefault:"20"`
	RateBurst      int           `env:"ORGPASS_RATE_BURST"       envDefault:"40"`
	RedeemPerMin   float64       `env:"ORGPASS_REDEEM_PER_MIN"   envDefault:"5"`
	MaxBodyBytes   int64         `env:"ORGPASS_MAX_BODY_BYTES"   envDefault:"1048576"`
	ShutdownGrace  time.Duration `env:"ORGPASS_SHUTDOWN_GRACE"   envDefault:"10s"`
}

// FieldKeys maps key versions to root key material. The text form is a
// comma separated list of version:base64 pairs.
type FieldKeys map[uint8][]byte

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *FieldKeys) UnmarshalText(text []byte) error {
	out := FieldKeys{}
	for _, pair := range strings.Split(string(text), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		version, material, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("field key %q: want version:base64", pair)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(version), 10, 8)
		if err != nil || v == 0 {
			return fmt.Errorf("field key version %q: must be 1..255", version)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(material))
		if err != nil {
			return fmt.Errorf("field key %d: %w", v, err)
		}
		if _, dup := out[uint8(v)]; dup {
			return fmt.Errorf("field key %d: duplicate version", v)
		}
		out[uint8(v)] = raw
	}
	*k = out
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks constraints that struct tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if len(strings.TrimSpace(c.AuthSecret)) < 32 {
		errs = append(errs, errors.New("ORGPASS_AUTH_SECRET must be at least 32 characters"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("ORGPASS_TOKEN_TTL must be positive"))
	}
	if _, ok := c.FieldKeys[c.FieldKeyActive]; !ok {
		errs = append(errs, fmt.Errorf("ORGPASS_FIELD_KEY_ACTIVE=%d has no key in ORGPASS_FIELD_KEYS", c.FieldKeyActive))
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 || c.RedeemPerMin <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("ORGPASS_MAX_BODY_BYTES must be positive"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("ORGPASS_LOG_LEVEL %q is not a known level", c.LogLevel))
	}
	return errors.Join(errs...)
}

// CodecConfig returns the field codec key configuration.
func (c Config) CodecConfig() fieldcodec.Config {
	keys := make(map[uint8][]byte, len(c.FieldKeys))
	for v, k := range c.FieldKeys {
		keys[v] = append([]byte(nil), k...)
	}
	return fieldcodec.Config{Keys: keys, ActiveVersion: c.FieldKeyActive}
}
