// Package ingest imports chat messages from JSONL exports into the memory
// graph, either in-process or through a running server.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/memory"
)

// record is one JSONL line. Content may be a plain string or an array of
// {"type":"text","text":...} blocks; role "user" implies an incoming message
// when is_incoming is absent.
type record struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Channel          string           `json:"channel"`
	SourceIdentifier string           `json:"source_identifier"`
	Role             string           `json:"role"`
	IsIncoming       *bool            `json:"is_incoming"`
	Timestamp        time.Time        `json:"timestamp"`
	Content          json.RawMessage  `json:"content"`
	Mentions         []memory.Mention `json:"mentions"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Defaults fill fields a line leaves empty.
type Defaults struct {
	UserID  string
	Channel memory.Channel
}

// LineError reports a line that could not be decoded.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ReadFile parses a JSONL export.
func ReadFile(path string, d Defaults) ([]engine.IncomingMessage, []LineError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open export: %w", err)
	}
	defer f.Close()
	return Read(f, d)
}

// Read parses JSONL from r. Malformed lines are skipped and reported; lines
// without text content are dropped silently.
func Read(r io.Reader, d Defaults) ([]engine.IncomingMessage, []LineError, error) {
	if d.Channel == "" {
		d.Channel = memory.ChannelChat
	}

	var (
		msgs []engine.IncomingMessage
		bad  []LineError
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, ok, err := parseLine([]byte(line), d)
		if err != nil {
			bad = append(bad, LineError{Line: n, Err: err})
			continue
		}
		if ok {
			msgs = append(msgs, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan export: %w", err)
	}
	return msgs, bad, nil
}

func parseLine(line []byte, d Defaults) (engine.IncomingMessage, bool, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return engine.IncomingMessage{}, false, err
	}
	text := strings.TrimSpace(extractText(rec.Content))
	if text == "" {
		return engine.IncomingMessage{}, false, nil
	}

	msg := engine.IncomingMessage{
		ID:               rec.ID,
		UserID:           rec.UserID,
		Content:          text,
		Channel:          memory.Channel(rec.Channel),
		SourceIdentifier: rec.SourceIdentifier,
		IsIncoming:       rec.Role == "user",
		Timestamp:        rec.Timestamp,
		Mentions:         rec.Mentions,
	}
	if rec.IsIncoming != nil {
		msg.IsIncoming = *rec.IsIncoming
	}
	if msg.UserID == "" {
		msg.UserID = d.UserID
	}
	if msg.Channel == "" {
		msg.Channel = d.Channel
	}
	return msg, true, nil
}

// extractText handles the polymorphic content field.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}
