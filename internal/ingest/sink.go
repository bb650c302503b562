package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/logger"
)

// Sink receives messages one at a time, in file order.
type Sink interface {
	Ingest(ctx context.Context, msg engine.IncomingMessage) error
}

// EngineSink ingests in-process.
type EngineSink struct {
	Engine *engine.Engine
}

func (s EngineSink) Ingest(ctx context.Context, msg engine.IncomingMessage) error {
	_, err := s.Engine.IngestMessage(ctx, msg)
	return err
}

const (
	defaultServerURL = "http://127.0.0.1:37777"
	httpTimeout      = 5 * time.Second
)

// HTTPSink posts each message to a running recall server.
type HTTPSink struct {
	http      *http.Client
	serverURL string
}

// NewHTTPSink targets url, or RECALL_URL, or the default local address.
func NewHTTPSink(url string) *HTTPSink {
	if url == "" {
		url = os.Getenv("RECALL_URL")
	}
	if url == "" {
		url = defaultServerURL
	}
	return &HTTPSink{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(url, "/"),
	}
}

func (s *HTTPSink) Ingest(ctx context.Context, msg engine.IncomingMessage) error {
	const op = "ingest.http"
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Unavailable(op, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return apperr.Validation(op, "server rejected message: %s", strings.TrimSpace(string(data)))
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Unavailable(op, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("POST /api/messages: status %d: %s", resp.StatusCode, data)
	}
}

// Healthy checks if the server is reachable.
func (s *HTTPSink) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Summary counts the outcome of a Run.
type Summary struct {
	Ingested int `json:"ingested"`
	Rejected int `json:"rejected"`
	Skipped  int `json:"skipped"`
}

// Run feeds msgs to sink in order. Rejected messages are logged and
// counted; any other error stops the run so a dead backend is not hammered.
func Run(ctx context.Context, msgs []engine.IncomingMessage, sink Sink, log *logger.Logger) (Summary, error) {
	if log == nil {
		log = logger.Nop()
	}
	var sum Summary
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		err := sink.Ingest(ctx, msg)
		switch {
		case err == nil:
			sum.Ingested++
		case apperr.IsValidation(err):
			sum.Rejected++
			log.Warn("message rejected", "index", i, "id", msg.ID, "error", err)
		default:
			return sum, fmt.Errorf("message %d: %w", i, err)
		}
	}
	return sum, nil
}
