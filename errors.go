// FILE: errors.go
// Package main – Error taxonomy shared by the REST client and the engine.
//
// Classes (see also the retry wrapper in ratelimit.go):
//   • errAuth               – venue rejects key/signature; fatal, never retried
//   • errInvalidNonce       – out-of-order nonce race; transient
//   • errServiceUnavailable – in-band EService:* envelope error; transient
//   • errInsufficientFunds  – business rejection; gate failure, asset back to IDLE
//   • errUnknownPair        – no such market; gate failure
//   • errOrderNotFound      – unknown txid; 404 class
//   • errRateLimited        – venue-side throttle; the in-process limiter should
//                             prevent it, treated as a business rejection
//   • errInvalidArgument    – malformed request; 400 class
//   • httpStatusError       – non-2xx HTTP status; 5xx is transient
//   • AmbiguousSubmissionError – an order write whose outcome is unknown;
//                             never retried, reconciled by the engine

package main

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errAuth               = errors.New("authentication rejected")
	errInvalidNonce       = errors.New("invalid nonce")
	errServiceUnavailable = errors.New("venue service unavailable")
	errInsufficientFunds  = errors.New("insufficient funds")
	errUnknownPair        = errors.New("unknown asset pair")
	errOrderNotFound      = errors.New("unknown order")
	errRateLimited        = errors.New("venue rate limit exceeded")
	errInvalidArgument    = errors.New("invalid arguments")
)

// httpStatusError is a non-2xx REST response.
type httpStatusError struct {
	Code int
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("http status %d", e.Code) }

// AmbiguousSubmissionError marks an AddOrder whose transport failed after the
// request may have reached the venue. The outcome is unknown; the engine
// reconciles it against the next balance snapshot instead of retrying.
type AmbiguousSubmissionError struct {
	Pair    string
	Volume  decimal.Decimal
	ClOrdID string
	Cause   error
}

func (e *AmbiguousSubmissionError) Error() string {
	return fmt.Sprintf("ambiguous submission %s vol=%s: %v", e.Pair, e.Volume, e.Cause)
}

func (e *AmbiguousSubmissionError) Unwrap() error { return e.Cause }

// classifyVenueError maps the venue's envelope error strings onto the taxonomy.
// The first recognized string wins; anything unrecognized is returned verbatim.
func classifyVenueError(msgs []string) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		switch {
		case strings.Contains(m, "EAPI:Invalid key"),
			strings.Contains(m, "EAPI:Invalid signature"),
			strings.Contains(m, "EGeneral:Permission denied"),
			strings.Contains(m, "EAPI:Permission denied"):
			return fmt.Errorf("%w: %s", errAuth, m)
		case strings.Contains(m, "EAPI:Invalid nonce"):
			return fmt.Errorf("%w: %s", errInvalidNonce, m)
		case strings.HasPrefix(m, "EService:"):
			return fmt.Errorf("%w: %s", errServiceUnavailable, m)
		case strings.Contains(m, "EOrder:Insufficient funds"):
			return fmt.Errorf("%w: %s", errInsufficientFunds, m)
		case strings.Contains(m, "EQuery:Unknown asset pair"),
			strings.Contains(m, "EOrder:Unknown pair"):
			return fmt.Errorf("%w: %s", errUnknownPair, m)
		case strings.Contains(m, "EOrder:Unknown order"),
			strings.Contains(m, "EQuery:Unknown order"):
			return fmt.Errorf("%w: %s", errOrderNotFound, m)
		case strings.Contains(m, "EAPI:Rate limit exceeded"),
			strings.Contains(m, "EOrder:Rate limit exceeded"):
			return fmt.Errorf("%w: %s", errRateLimited, m)
		case strings.Contains(m, "EGeneral:Invalid arguments"):
			return fmt.Errorf("%w: %s", errInvalidArgument, m)
		}
	}
	return fmt.Errorf("venue error: %s", strings.Join(msgs, "; "))
}

// isRetryable reports whether the retry wrapper may re-issue the request:
// transport resets/timeouts/refusals, HTTP 5xx, nonce races, and in-band
// EService envelope errors. Ambiguous submissions are never retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var amb *AmbiguousSubmissionError
	if errors.As(err, &amb) {
		return false
	}
	if errors.Is(err, errInvalidNonce) || errors.Is(err, errServiceUnavailable) {
		return true
	}
	var hs *httpStatusError
	if errors.As(err, &hs) {
		return hs.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	// net/http wraps transport errors in *url.Error; the common resets and
	// refusals stringify predictably.
	s := err.Error()
	for _, frag := range []string{"connection reset", "connection refused", "broken pipe", "EOF", "timeout"} {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

// isFatalAuth reports whether err means the credentials are bad and the
// process should exit rather than limp along.
func isFatalAuth(err error) bool {
	return errors.Is(err, errAuth)
}
