// FILE: feed.go
// Package main – Authenticated WebSocket balance feed.
//
// Lifecycle per connection cycle:
//   1) obtain a short-lived token via the Exchange
//   2) dial, subscribe to the "balances" channel with that token
//   3) decode every inbound frame ONCE at this boundary into a tagged
//      envelope; the engine only ever sees typed callbacks:
//        onSnapshot(map[asset]amount)  – exactly once per cycle, before updates
//        onUpdate(BalanceEvent)        – in arrival order
//
// Reconnection: min(base × 2^attempt, 60s) via jpillora/backoff, counter reset
// on any successful subscribe, hard cap marks the feed degraded (process lives
// on, the status surface reports it). A heartbeat watchdog force-closes the
// socket if nothing has arrived for 30s, which trips the reconnect path.
//
// Concurrency: one supervisor goroutine owns the socket; the watchdog only
// ever calls Close. No reordering across cycles is promised — each cycle's
// fresh snapshot is ground truth.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	heartbeatCheckEvery = 10 * time.Second
	heartbeatStaleAfter = 30 * time.Second
	subRetryDelay       = 5 * time.Second
)

// permanentSubErrors short-circuit the one-shot subscription retry.
var permanentSubErrors = []string{"invalid channel", "invalid token", "event not found"}

// wsEnvelope is the tagged union every inbound frame decodes into.
// Covers v2 channel frames, v2 method acks, and the v1-style
// subscriptionStatus error frame.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`

	Method  string `json:"method"`
	Success *bool  `json:"success"`
	Error   string `json:"error"`

	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

type wsSnapshotItem struct {
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

type wsUpdateItem struct {
	Asset     string          `json:"asset"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	LedgerID  string          `json:"ledger_id"`
	RefID     string          `json:"ref_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// Feed maintains the streaming connection and fans decoded events out to the
// engine callbacks.
type Feed struct {
	ex          Exchange
	wsURL       string
	base        time.Duration
	maxAttempts int

	hbCheck  time.Duration
	hbStale  time.Duration
	subRetry time.Duration

	onSnapshot func(map[string]decimal.Decimal)
	onUpdate   func(BalanceEvent)

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	degraded      bool
	lastHeartbeat time.Time
}

func NewFeed(ex Exchange, cfg Config, onSnapshot func(map[string]decimal.Decimal), onUpdate func(BalanceEvent)) *Feed {
	return &Feed{
		ex:          ex,
		wsURL:       cfg.WSURL,
		base:        cfg.ReconnectBase,
		maxAttempts: cfg.ReconnectMaxAttempts,
		hbCheck:     heartbeatCheckEvery,
		hbStale:     heartbeatStaleAfter,
		subRetry:    subRetryDelay,
		onSnapshot:  onSnapshot,
		onUpdate:    onUpdate,
	}
}

// ---- read-mostly accessors for the status surface ----

func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Feed) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Feed) LastHeartbeat() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeartbeat
}

func (f *Feed) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
	SetFeedConnected(up)
}

func (f *Feed) touchHeartbeat() {
	f.mu.Lock()
	f.lastHeartbeat = time.Now()
	f.mu.Unlock()
}

// ---- supervisor ----

// Run owns the connection until ctx is done or the reconnect budget is spent.
func (f *Feed) Run(ctx context.Context) {
	bo := &backoff.Backoff{Min: f.base, Max: 60 * time.Second, Factor: 2}
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		subscribed, err := f.cycle(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			failures = 0
			bo.Reset()
		} else {
			failures++
		}
		if err != nil {
			log.Warn().Err(err).Int("failures", failures).Msg("feed cycle ended")
		}
		if failures >= f.maxAttempts {
			f.mu.Lock()
			f.degraded = true
			f.mu.Unlock()
			log.Error().Int("attempts", failures).Msg("feed reconnect budget exhausted, marking degraded")
			return
		}
		IncFeedReconnect()
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return
		}
	}
}

// cycle runs one full connection: token, dial, subscribe, read until error.
// Returns whether the subscription was ever acknowledged this cycle.
func (f *Feed) cycle(ctx context.Context) (subscribed bool, err error) {
	token, err := f.ex.FeedToken(ctx)
	if err != nil {
		return false, fmt.Errorf("feed token: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", f.wsURL, err)
	}
	f.mu.Lock()
	f.conn = conn
	f.lastHeartbeat = time.Now()
	f.mu.Unlock()

	// Watchdog + ctx closer. Closing the conn is the only cross-goroutine
	// action; it unblocks the read loop below.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go f.watchdog(ctx, conn, watchdogDone)

	if err := f.subscribe(conn, token); err != nil {
		conn.Close()
		return false, err
	}

	snapshotSeen := false
	subRetried := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return subscribed, fmt.Errorf("read: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Debug().Err(err).Msg("feed: undecodable frame dropped")
			continue
		}

		switch {
		case env.Channel == "heartbeat":
			IncFeedEvent("heartbeat")
			f.touchHeartbeat()

		case env.Channel == "status":
			IncFeedEvent("status")
			f.touchHeartbeat()

		case env.Channel == "balances" && env.Type == "snapshot":
			IncFeedEvent("snapshot")
			f.touchHeartbeat()
			if snapshotSeen {
				// The venue promises one snapshot per subscription; a second
				// one is still treated as ground truth.
				log.Warn().Msg("feed: duplicate snapshot in one cycle")
			}
			snapshotSeen = true
			var items []wsSnapshotItem
			if err := json.Unmarshal(env.Data, &items); err != nil {
				log.Warn().Err(err).Msg("feed: bad snapshot payload")
				continue
			}
			snap := make(map[string]decimal.Decimal, len(items))
			for _, it := range items {
				snap[it.Asset] = it.Balance
			}
			f.onSnapshot(snap)

		case env.Channel == "balances" && env.Type == "update":
			IncFeedEvent("update")
			f.touchHeartbeat()
			var items []wsUpdateItem
			if err := json.Unmarshal(env.Data, &items); err != nil {
				log.Warn().Err(err).Msg("feed: bad update payload")
				continue
			}
			for _, it := range items {
				f.onUpdate(BalanceEvent{
					Asset:     it.Asset,
					Type:      it.Type,
					Amount:    it.Amount,
					Balance:   it.Balance,
					LedgerID:  it.LedgerID,
					RefID:     it.RefID,
					Timestamp: it.Timestamp,
				})
			}

		case env.Method == "subscribe":
			if env.Success != nil && *env.Success {
				subscribed = true
				f.setConnected(true)
				log.Info().Msg("feed: balances channel subscribed")
				continue
			}
			retry, err := f.handleSubError(ctx, env.Error, subRetried)
			if !retry {
				conn.Close()
				return subscribed, err
			}
			subRetried = true
			if err := f.subscribe(conn, token); err != nil {
				conn.Close()
				return subscribed, err
			}

		case env.Event == "subscriptionStatus" && env.Status == "error":
			retry, err := f.handleSubError(ctx, env.ErrorMessage, subRetried)
			if !retry {
				conn.Close()
				return subscribed, err
			}
			subRetried = true
			if err := f.subscribe(conn, token); err != nil {
				conn.Close()
				return subscribed, err
			}

		default:
			log.Debug().RawJSON("frame", raw).Msg("feed: unhandled frame")
		}
	}
}

func (f *Feed) subscribe(conn *websocket.Conn, token string) error {
	sub := map[string]any{
		"method": "subscribe",
		"params": map[string]any{
			"channel": "balances",
			"token":   token,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// handleSubError decides the one-shot transient retry vs the permanent
// short-circuit. When retry is true the caller resubscribes after the delay
// already taken here.
func (f *Feed) handleSubError(ctx context.Context, msg string, alreadyRetried bool) (retry bool, err error) {
	lower := strings.ToLower(msg)
	for _, perm := range permanentSubErrors {
		if strings.Contains(lower, perm) {
			return false, fmt.Errorf("subscription rejected (permanent): %s", msg)
		}
	}
	if alreadyRetried {
		return false, fmt.Errorf("subscription rejected twice: %s", msg)
	}
	log.Warn().Str("error", msg).Dur("retry_in", f.subRetry).Msg("feed: transient subscription error")
	select {
	case <-time.After(f.subRetry):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// watchdog force-closes the connection when no heartbeat has been observed
// within heartbeatStaleAfter, tripping the reconnect path.
func (f *Feed) watchdog(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.hbCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			age := time.Since(f.LastHeartbeat())
			SetHeartbeatAge(age.Seconds())
			if age > f.hbStale {
				log.Warn().Dur("age", age).Msg("feed: heartbeat stale, forcing reconnect")
				conn.Close()
				return
			}
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		}
	}
}
