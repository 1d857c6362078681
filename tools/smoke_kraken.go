//go:build ignore

// Manual smoke check against the live venue. Signs a real BalanceEx call,
// fetches the AssetPairs catalog, and (only behind -order) places one tiny
// market sell.
//
// Usage:
//   KRAKEN_API_KEY=... KRAKEN_API_SECRET=... go run ./tools/smoke_kraken.go
//   go run ./tools/smoke_kraken.go -pair XBTUSD -volume 0.0001 -order
//
// Notes:
// - KRAKEN_API_SECRET is the base64 secret as issued by the venue.
// - Without -order nothing is placed; the tool only reads.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const baseURL = "https://api.kraken.com"

func sign(path, nonce, body string, secret []byte) string {
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func private(path string, form url.Values, key string, secret []byte) ([]byte, error) {
	nonce := strconv.FormatInt(time.Now().UnixMicro(), 10)
	form.Set("nonce", nonce)
	body := form.Encode()

	req, err := http.NewRequest(http.MethodPost, baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("API-Key", key)
	req.Header.Set("API-Sign", sign(path, nonce, body, secret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func main() {
	pair := flag.String("pair", "XBTUSD", "pair altname for the optional order")
	volume := flag.Float64("volume", 0, "base volume for the optional order")
	order := flag.Bool("order", false, "actually place a market sell (default: read-only)")
	flag.Parse()

	key := os.Getenv("KRAKEN_API_KEY")
	rawSecret := os.Getenv("KRAKEN_API_SECRET")
	if key == "" || rawSecret == "" {
		log.Fatal("KRAKEN_API_KEY/KRAKEN_API_SECRET must be set")
	}
	secret, err := base64.StdEncoding.DecodeString(rawSecret)
	if err != nil {
		log.Fatalf("secret is not valid base64: %v", err)
	}

	// 1) Signed balance fetch
	body, err := private("/0/private/BalanceEx", url.Values{}, key, secret)
	if err != nil {
		log.Fatalf("BalanceEx: %v", err)
	}
	var bal struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			Balance   string `json:"balance"`
			HoldTrade string `json:"hold_trade"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &bal); err != nil {
		log.Fatalf("BalanceEx decode: %v", err)
	}
	if len(bal.Error) > 0 {
		log.Fatalf("BalanceEx error: %v", bal.Error)
	}
	assets := make([]string, 0, len(bal.Result))
	for a := range bal.Result {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	fmt.Printf("balances: %d assets\n", len(assets))
	for _, a := range assets {
		b := bal.Result[a]
		fmt.Printf("  %-10s balance=%s hold_trade=%s\n", a, b.Balance, b.HoldTrade)
	}

	// 2) Public catalog fetch
	resp, err := http.Get(baseURL + "/0/public/AssetPairs")
	if err != nil {
		log.Fatalf("AssetPairs: %v", err)
	}
	defer resp.Body.Close()
	var cat struct {
		Error  []string                   `json:"error"`
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		log.Fatalf("AssetPairs decode: %v", err)
	}
	fmt.Printf("catalog: %d pairs\n", len(cat.Result))

	// 3) Optional tiny market sell
	if !*order {
		fmt.Println("order flag not set; skipping order placement")
		return
	}
	if *volume <= 0 {
		log.Fatal("-volume must be > 0 with -order")
	}
	form := url.Values{}
	form.Set("pair", *pair)
	form.Set("type", "sell")
	form.Set("ordertype", "market")
	form.Set("volume", strconv.FormatFloat(*volume, 'f', -1, 64))
	body, err = private("/0/private/AddOrder", form, key, secret)
	if err != nil {
		log.Fatalf("AddOrder: %v", err)
	}
	fmt.Printf("AddOrder response: %s\n", body)
}
