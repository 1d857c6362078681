// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (all the knobs the agent uses) and a
// helper to populate it from environment variables. The env file is read
// by loadAgentEnv() (see env.go), so you can tune behavior without exports.
//
// Typical flow (see main.go):
//   loadAgentEnv()
//   cfg, err := loadConfigFromEnv()
package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default venue endpoints. USE_SANDBOX swaps in the demo environment;
// explicit KRAKEN_REST_URL / KRAKEN_WS_URL always win.
const (
	restURLLive    = "https://api.kraken.com"
	restURLSandbox = "https://demo.kraken.com"
	wsURLLive      = "wss://ws-auth.kraken.com/v2"
	wsURLSandbox   = "wss://demo.kraken.com/ws/v2"
)

// Config holds all runtime knobs for the auto-sell agent.
type Config struct {
	// Venue credentials
	APIKey    string
	APISecret []byte // base64-decoded signing material

	// Liquidation target
	TargetFiat string // standard code, e.g. "USD"; never sold

	// Endpoints
	UseSandbox bool
	RESTURL    string
	WSURL      string

	// Ops
	Port         int
	Debug        bool
	LogSinkURL   string
	LogSinkToken string
	CORSOrigins  []string

	// REST retry policy
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// Feed reconnect policy
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int

	// Engine timing
	SettleDelay    time.Duration
	OrderRetention time.Duration
}

// loadConfigFromEnv reads the process env (already hydrated by loadAgentEnv())
// and returns a Config with sane defaults if optional keys are missing.
// Missing credentials or an undecodable secret are configuration errors.
func loadConfigFromEnv() (Config, error) {
	cfg := Config{
		APIKey:     getEnv("KRAKEN_API_KEY", ""),
		TargetFiat: strings.ToUpper(getEnv("TARGET_FIAT", "USD")),
		UseSandbox: getEnvBool("USE_SANDBOX", false),

		Port:         getEnvInt("PORT", 8080),
		Debug:        getEnvBool("DEBUG", false),
		LogSinkURL:   getEnv("LOG_SINK_URL", ""),
		LogSinkToken: getEnv("LOG_SINK_TOKEN", ""),

		RetryAttempts:  getEnvInt("REST_RETRY_ATTEMPTS", 3),
		RetryBaseDelay: time.Duration(getEnvInt("REST_RETRY_BASE_MS", 500)) * time.Millisecond,

		ReconnectBase:        time.Duration(getEnvInt("RECONNECT_BASE_MS", 1000)) * time.Millisecond,
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),

		SettleDelay:    time.Duration(getEnvInt("SETTLE_DELAY_MS", 3000)) * time.Millisecond,
		OrderRetention: time.Duration(getEnvInt("ORDER_RETENTION_MIN", 15)) * time.Minute,
	}

	if cfg.APIKey == "" {
		return cfg, errors.New("KRAKEN_API_KEY must be set")
	}
	rawSecret := getEnv("KRAKEN_API_SECRET", "")
	if rawSecret == "" {
		return cfg, errors.New("KRAKEN_API_SECRET must be set")
	}
	secret, err := base64.StdEncoding.DecodeString(rawSecret)
	if err != nil {
		return cfg, fmt.Errorf("KRAKEN_API_SECRET is not valid base64: %w", err)
	}
	cfg.APISecret = secret

	// Endpoint resolution: sandbox flag picks defaults, explicit overrides win.
	restDef, wsDef := restURLLive, wsURLLive
	if cfg.UseSandbox {
		restDef, wsDef = restURLSandbox, wsURLSandbox
	}
	cfg.RESTURL = strings.TrimRight(getEnv("KRAKEN_REST_URL", restDef), "/")
	cfg.WSURL = getEnv("KRAKEN_WS_URL", wsDef)

	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.ReconnectMaxAttempts < 1 {
		cfg.ReconnectMaxAttempts = 1
	}
	return cfg, nil
}
