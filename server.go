// FILE: server.go
// Package main – Read-only HTTP status surface.
//
// Endpoints (all JSON, no write endpoints, never mutates engine state):
//   GET  /health             – liveness + uptime
//   GET  /auto-sell/status   – engine/feed snapshot
//   GET  /balance/{asset}    – one reported balance (404 if unknown)
//   GET  /trade/{txid}       – venue order detail passthrough
//   POST /trades/batch       – best-effort batch lookup, max 20 ids
//   GET  /metrics            – Prometheus text exposition
//
// CORS is off unless CORS_ORIGINS is set (operator dashboards).
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

const batchMaxTxids = 20

// Server is the read-only HTTP surface over the engine, feed and exchange.
type Server struct {
	engine  *Engine
	feed    *Feed
	ex      Exchange
	started time.Time
	handler http.Handler
}

func NewServer(engine *Engine, feed *Feed, ex Exchange, cfg Config) *Server {
	s := &Server{
		engine:  engine,
		feed:    feed,
		ex:      ex,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /auto-sell/status", s.handleStatus)
	mux.HandleFunc("GET /balance/{asset}", s.handleBalance)
	mux.HandleFunc("GET /trade/{txid}", s.handleTrade)
	mux.HandleFunc("POST /trades/batch", s.handleTradesBatch)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.handler = mux
	if len(cfg.CORSOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}).Handler(mux)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// validTxID accepts the venue's txid shape: upper-case alphanumerics and
// dashes, bounded length. Anything else is a 400 before it reaches the venue.
func validTxID(txid string) bool {
	if len(txid) < 5 || len(txid) > 40 {
		return false
	}
	for _, r := range txid {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()

	balances := make(map[string]string, len(st.Balances))
	for a, v := range st.Balances {
		balances[a] = v.String()
	}

	var lastHB any
	if hb := s.feed.LastHeartbeat(); !hb.IsZero() {
		lastHB = hb.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"running":               st.Running,
		"initial_pass_complete": st.InitialPassComplete,
		"feed_connected":        s.feed.Connected(),
		"feed_last_heartbeat":   lastHB,
		"balances":              balances,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	amount, ok := s.engine.BalanceOf(asset)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown asset")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":  standardizeAsset(asset),
		"amount": amount.String(),
	})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	txid := r.PathValue("txid")
	if !validTxID(txid) {
		writeError(w, http.StatusBadRequest, "malformed txid")
		return
	}
	info, err := s.ex.QueryOrder(r.Context(), txid)
	if err != nil {
		if errors.Is(err, errOrderNotFound) {
			writeError(w, http.StatusNotFound, "unknown order")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type batchResult struct {
	OK    bool       `json:"ok"`
	Order *OrderInfo `json:"order,omitempty"`
	Error string     `json:"error,omitempty"`
}

func (s *Server) handleTradesBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TxIDs []string `json:"txids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.TxIDs) == 0 {
		writeError(w, http.StatusBadRequest, "txids required")
		return
	}
	if len(body.TxIDs) > batchMaxTxids {
		writeError(w, http.StatusBadRequest, "too many txids (max 20)")
		return
	}

	results := make(map[string]*batchResult, len(body.TxIDs))
	var mu sync.Mutex

	// Best-effort fan-out: per-id success/failure, no early abort.
	g := &errgroup.Group{}
	g.SetLimit(4)
	for _, txid := range body.TxIDs {
		txid := txid
		g.Go(func() error {
			res := &batchResult{}
			if !validTxID(txid) {
				res.Error = "malformed txid"
			} else if info, err := s.ex.QueryOrder(r.Context(), txid); err != nil {
				if errors.Is(err, errOrderNotFound) {
					res.Error = "unknown order"
				} else {
					res.Error = err.Error()
				}
			} else {
				res.OK = true
				res.Order = info
			}
			mu.Lock()
			results[txid] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, results)
}
