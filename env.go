// FILE: env.go
// Package main – Environment helpers for the auto-sell agent.
//
// This file provides:
//   1) Small helpers to read environment variables with sane defaults
//      (strings, ints, bools).
//   2) A safe loader (loadAgentEnv) that reads /opt/kraken/env/agent.env only,
//      setting just the keys this agent needs.
//
// Notes:
//   • The agent never requires `export $(cat .env ...)`.
//   • Keys already present in the process env are never overridden.

package main

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	case "":
		return def
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// --------- .env loader (agent-only) ---------

// loadAgentEnv reads /opt/kraken/env/agent.env and sets ONLY the keys the agent needs.
// It won't override variables already in the environment.
func loadAgentEnv() {
	path := getEnv("AGENT_ENV_FILE", "/opt/kraken/env/agent.env")
	f, err := os.Open(path)
	if err != nil {
		log.Printf("env: %s not found, relying on process env", path)
		return
	}
	defer f.Close()

	needed := map[string]struct{}{
		"KRAKEN_API_KEY": {}, "KRAKEN_API_SECRET": {}, "TARGET_FIAT": {},
		"USE_SANDBOX": {}, "PORT": {}, "DEBUG": {},
		"LOG_SINK_URL": {}, "LOG_SINK_TOKEN": {},
		"KRAKEN_REST_URL": {}, "KRAKEN_WS_URL": {},
		"REST_RETRY_ATTEMPTS": {}, "REST_RETRY_BASE_MS": {},
		"RECONNECT_BASE_MS": {}, "RECONNECT_MAX_ATTEMPTS": {},
		"SETTLE_DELAY_MS": {}, "ORDER_RETENTION_MIN": {},
		"CORS_ORIGINS": {},
	}

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(line[len("export "):])
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if _, ok := needed[key]; !ok {
			continue
		}
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		if idx := strings.Index(val, "#"); idx >= 0 {
			val = strings.TrimSpace(val[:idx])
		}
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}
	log.Printf("env: loaded %s", path)
}
