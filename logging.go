// FILE: logging.go
// Package main – Structured logging setup (zerolog) and the optional HTTP sink.
//
// initLogging wires the global zerolog logger:
//   • ConsoleWriter on stderr (stdout stays clean for anything piped)
//   • DEBUG=true switches the global level to Debug
//   • LOG_SINK_URL duplicates every event, best-effort, to an external HTTP
//     endpoint (one POST per line, optional bearer token). The sink never
//     blocks the logging path: events are queued on a bounded channel and
//     dropped on overflow.

package main

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func initLogging(cfg Config) *logSink {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.LogSinkURL == "" {
		log.Logger = log.Output(console)
		return nil
	}

	sink := newLogSink(cfg.LogSinkURL, cfg.LogSinkToken)
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, sink))
	return sink
}

// logSink POSTs each log line to a remote endpoint. Best-effort only:
// queue full or HTTP failure means the line is dropped.
type logSink struct {
	url    string
	token  string
	client *http.Client
	lines  chan []byte
	done   chan struct{}
}

func newLogSink(url, token string) *logSink {
	s := &logSink{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
		lines:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *logSink) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case s.lines <- line:
	default: // overflow: drop
	}
	return len(p), nil
}

func (s *logSink) drain() {
	for {
		select {
		case line := <-s.lines:
			req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(line))
			if err != nil {
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			if s.token != "" {
				req.Header.Set("Authorization", "Bearer "+s.token)
			}
			if resp, err := s.client.Do(req); err == nil {
				resp.Body.Close()
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the drainer; queued lines are abandoned.
func (s *logSink) Close() {
	if s != nil {
		close(s.done)
	}
}
