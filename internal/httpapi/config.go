package httpapi

import (
	"fmt"
	"strings"
)

const (
	defaultListenAddr    = ":8070"
	defaultAllowedOrigin = "http://localhost:3000"
	defaultJWTIssuer     = "luminapix"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 200
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	JWTSigningKey  string
	JWTIssuer      string
	WebhookToken   string
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	if strings.TrimSpace(cfg.JWTSigningKey) == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.WebhookToken) == "" {
		return fmt.Errorf("webhook token is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
