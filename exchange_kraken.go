// FILE: exchange_kraken.go
// Package main – Kraken spot REST client (the one real Exchange implementation).
//
// Auth: API-Key header plus API-Sign = base64(HMAC-SHA512(path ‖ SHA256(nonce ‖
// urlencoded-body), base64decode(secret))). The nonce is a strictly monotone
// microsecond clock bumped on every call for the whole process lifetime.
//
// Every operation goes through the shared rate limiter and the uniform retry
// policy (ratelimit.go). AddOrder is special: a transport failure after the
// request may have reached the venue surfaces as AmbiguousSubmissionError and
// is never retried; the engine reconciles it against the next snapshot.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// KrakenClient implements Exchange for Kraken spot REST.
type KrakenClient struct {
	httpc   *http.Client
	baseURL string
	key     string
	secret  []byte // base64-decoded in config loading

	limiter   *restLimiter
	retry     retryPolicy
	lastNonce atomic.Int64
}

func NewKrakenClient(cfg Config) *KrakenClient {
	return &KrakenClient{
		httpc:   &http.Client{Timeout: 15 * time.Second},
		baseURL: cfg.RESTURL,
		key:     cfg.APIKey,
		secret:  cfg.APISecret,
		limiter: newRESTLimiter(),
		retry:   retryPolicy{attempts: cfg.RetryAttempts, baseDelay: cfg.RetryBaseDelay},
	}
}

func (c *KrakenClient) Name() string { return "kraken" }

// ---- signing & transport ----

// nextNonce returns max(now_µs, last+1); strictly increasing across goroutines.
func (c *KrakenClient) nextNonce() int64 {
	for {
		last := c.lastNonce.Load()
		next := time.Now().UnixMicro()
		if next <= last {
			next = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (c *KrakenClient) sign(path, nonce, body string) string {
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, c.secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// roundTrip performs one HTTP exchange through the limiter and decodes the
// standard {"error":[...],"result":...} envelope into out.
// ambiguousOnTransport marks a Do() failure as an AmbiguousSubmissionError
// instead of a retryable transport error (AddOrder only).
func (c *KrakenClient) roundTrip(ctx context.Context, path string, form url.Values, private bool, out any, ambiguous *AmbiguousSubmissionError) error {
	if err := c.limiter.wait(ctx); err != nil {
		return err
	}

	endpoint := path[strings.LastIndex(path, "/")+1:]
	var req *http.Request
	var err error
	if private {
		nonce := strconv.FormatInt(c.nextNonce(), 10)
		form.Set("nonce", nonce)
		body := form.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("API-Key", c.key)
		req.Header.Set("API-Sign", c.sign(path, nonce, body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		u := c.baseURL + path
		if len(form) > 0 {
			u += "?" + form.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		IncRESTRequest(endpoint, "error")
		// A Do failure means the request may already be on the wire; for an
		// order write the outcome is unknown even when our own ctx fired
		// mid-flight, so it still classifies as ambiguous.
		if ambiguous != nil {
			amb := *ambiguous
			amb.Cause = err
			return &amb
		}
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		IncRESTRequest(endpoint, "error")
		return fmt.Errorf("%s: %w", endpoint, &httpStatusError{Code: resp.StatusCode})
	}

	var env struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		IncRESTRequest(endpoint, "error")
		return fmt.Errorf("%s: decode envelope: %w", endpoint, err)
	}
	if verr := classifyVenueError(env.Error); verr != nil {
		IncRESTRequest(endpoint, "error")
		return fmt.Errorf("%s: %w", endpoint, verr)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			IncRESTRequest(endpoint, "error")
			return fmt.Errorf("%s: decode result: %w", endpoint, err)
		}
	}
	IncRESTRequest(endpoint, "ok")
	return nil
}

// dec parses a venue decimal string; empty or malformed parses to zero
// (the venue omits fields that are zero).
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ---- catalog & balances ----

type krakenPair struct {
	Altname  string `json:"altname"`
	Wsname   string `json:"wsname"`
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	OrderMin string `json:"ordermin"`
	CostMin  string `json:"costmin"`
	Status   string `json:"status"`
}

func (c *KrakenClient) ListPairs(ctx context.Context) (map[string]PairInfo, error) {
	var raw map[string]krakenPair
	err := c.retry.do(ctx, "AssetPairs", func() error {
		raw = nil
		return c.roundTrip(ctx, "/0/public/AssetPairs", nil, false, &raw, nil)
	})
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]PairInfo, len(raw))
	for key, p := range raw {
		pairs[key] = PairInfo{
			Key:      key,
			Altname:  p.Altname,
			Wsname:   p.Wsname,
			Base:     p.Base,
			Quote:    p.Quote,
			OrderMin: dec(p.OrderMin),
			CostMin:  dec(p.CostMin),
			Status:   p.Status,
		}
	}
	return pairs, nil
}

func (c *KrakenClient) Balances(ctx context.Context) (map[string]Balance, error) {
	var raw map[string]struct {
		Balance   string `json:"balance"`
		HoldTrade string `json:"hold_trade"`
	}
	err := c.retry.do(ctx, "BalanceEx", func() error {
		raw = nil
		return c.roundTrip(ctx, "/0/private/BalanceEx", url.Values{}, true, &raw, nil)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]Balance, len(raw))
	for asset, b := range raw {
		out[asset] = Balance{Total: dec(b.Balance), HoldTrade: dec(b.HoldTrade)}
	}
	return out, nil
}

// ---- orders & trades ----

func (c *KrakenClient) SubmitMarketSell(ctx context.Context, pair string, volume decimal.Decimal, clOrdID string) (string, error) {
	form := url.Values{}
	form.Set("pair", pair)
	form.Set("type", "sell")
	form.Set("ordertype", "market")
	form.Set("volume", volume.String())
	if clOrdID != "" {
		form.Set("cl_ord_id", clOrdID)
	}

	amb := &AmbiguousSubmissionError{Pair: pair, Volume: volume, ClOrdID: clOrdID}
	var res struct {
		TxID  []string `json:"txid"`
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
	}
	// retry.do never re-issues an AmbiguousSubmissionError (isRetryable says no);
	// envelope-level rejections (invalid nonce, EService) mean the order was not
	// accepted and are safe to retry.
	err := c.retry.do(ctx, "AddOrder", func() error {
		res.TxID = nil
		return c.roundTrip(ctx, "/0/private/AddOrder", form, true, &res, amb)
	})
	if err != nil {
		return "", err
	}
	if len(res.TxID) == 0 {
		return "", fmt.Errorf("AddOrder: no txid in response")
	}
	return res.TxID[0], nil
}

type krakenOrder struct {
	Status  string   `json:"status"`
	OpenTm  float64  `json:"opentm"`
	CloseTm float64  `json:"closetm"`
	Vol     string   `json:"vol"`
	VolExec string   `json:"vol_exec"`
	Price   string   `json:"price"`
	Cost    string   `json:"cost"`
	Fee     string   `json:"fee"`
	Trades  []string `json:"trades"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
	} `json:"descr"`
}

func orderStateFromVenue(status string) OrderState {
	switch status {
	case "pending":
		return OrderPending
	case "open":
		return OrderOpen
	case "closed":
		return OrderClosed
	case "canceled", "expired":
		return OrderCanceled
	default:
		return OrderFailed
	}
}

func (ko krakenOrder) normalize(txid string) *OrderInfo {
	o := &OrderInfo{
		TxID:       txid,
		Pair:       ko.Descr.Pair,
		Side:       ko.Descr.Type,
		Type:       ko.Descr.OrderType,
		Status:     orderStateFromVenue(ko.Status),
		Volume:     dec(ko.Vol),
		VolumeExec: dec(ko.VolExec),
		Price:      dec(ko.Price),
		Cost:       dec(ko.Cost),
		Fee:        dec(ko.Fee),
		TradeIDs:   ko.Trades,
	}
	if ko.OpenTm > 0 {
		o.OpenedAt = time.UnixMilli(int64(ko.OpenTm * 1000))
	}
	if ko.CloseTm > 0 {
		o.ClosedAt = time.UnixMilli(int64(ko.CloseTm * 1000))
	}
	return o
}

func (c *KrakenClient) QueryOrder(ctx context.Context, txid string) (*OrderInfo, error) {
	form := url.Values{}
	form.Set("txid", txid)
	form.Set("trades", "true")

	var raw map[string]krakenOrder
	err := c.retry.do(ctx, "QueryOrders", func() error {
		raw = nil
		return c.roundTrip(ctx, "/0/private/QueryOrders", form, true, &raw, nil)
	})
	if err != nil {
		return nil, err
	}
	ko, ok := raw[txid]
	if !ok {
		return nil, fmt.Errorf("QueryOrders %s: %w", txid, errOrderNotFound)
	}
	return ko.normalize(txid), nil
}

func (c *KrakenClient) QueryTrades(ctx context.Context, txids []string) (map[string]TradeInfo, error) {
	if len(txids) == 0 {
		return map[string]TradeInfo{}, nil
	}
	form := url.Values{}
	form.Set("txid", strings.Join(txids, ","))

	var raw map[string]struct {
		OrderTxID string  `json:"ordertxid"`
		Pair      string  `json:"pair"`
		Time      float64 `json:"time"`
		Type      string  `json:"type"`
		Price     string  `json:"price"`
		Vol       string  `json:"vol"`
		Cost      string  `json:"cost"`
		Fee       string  `json:"fee"`
	}
	err := c.retry.do(ctx, "QueryTrades", func() error {
		raw = nil
		return c.roundTrip(ctx, "/0/private/QueryTrades", form, true, &raw, nil)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]TradeInfo, len(raw))
	for id, t := range raw {
		out[id] = TradeInfo{
			TradeID:   id,
			OrderTxID: t.OrderTxID,
			Pair:      t.Pair,
			Side:      t.Type,
			Price:     dec(t.Price),
			Volume:    dec(t.Vol),
			Cost:      dec(t.Cost),
			Fee:       dec(t.Fee),
			Time:      time.UnixMilli(int64(t.Time * 1000)),
		}
	}
	return out, nil
}

func (c *KrakenClient) FeedToken(ctx context.Context) (string, error) {
	var res struct {
		Token   string `json:"token"`
		Expires int    `json:"expires"`
	}
	err := c.retry.do(ctx, "GetWebSocketsToken", func() error {
		res.Token = ""
		return c.roundTrip(ctx, "/0/private/GetWebSocketsToken", url.Values{}, true, &res, nil)
	})
	if err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", errors.New("GetWebSocketsToken: empty token")
	}
	return res.Token, nil
}
