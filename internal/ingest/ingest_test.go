package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/store"
)

const export = `{"id":"m1","user_id":"u1","role":"user","content":"Plan the garden this weekend","timestamp":"2025-03-09T10:00:00Z","mentions":[{"name":"garden","strength":0.9}]}
{"id":"m2","role":"assistant","content":[{"type":"text","text":"Sure."},{"type":"tool_use"},{"type":"text","text":"Saturday works."}],"timestamp":"2025-03-09T10:01:00Z"}

not json at all
{"id":"m3","user_id":"u1","content":"   ","timestamp":"2025-03-09T10:02:00Z"}
{"id":"m4","user_id":"u1","channel":"sms","is_incoming":false,"role":"user","content":"ok","timestamp":"2025-03-09T10:03:00Z"}`

func TestRead(t *testing.T) {
	msgs, bad, err := Read(strings.NewReader(export), Defaults{UserID: "fallback"})
	require.NoError(t, err)

	require.Len(t, bad, 1)
	assert.Equal(t, 4, bad[0].Line)

	require.Len(t, msgs, 3, "blank content is dropped")
	assert.True(t, msgs[0].IsIncoming)
	assert.Equal(t, memory.ChannelChat, msgs[0].Channel)
	require.Len(t, msgs[0].Mentions, 1)

	assert.Equal(t, "fallback", msgs[1].UserID)
	assert.Equal(t, "Sure.\nSaturday works.", msgs[1].Content)
	assert.False(t, msgs[1].IsIncoming)

	assert.Equal(t, memory.ChannelSMS, msgs[2].Channel)
	assert.False(t, msgs[2].IsIncoming, "explicit is_incoming wins over role")
}

func TestRunWithEngine(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	eng := engine.New(db, engine.Options{Clock: func() time.Time { return now }})

	msgs, _, err := Read(strings.NewReader(export), Defaults{UserID: "u1"})
	require.NoError(t, err)
	msgs = append(msgs, engine.IncomingMessage{UserID: "u1", Content: "x", Channel: "fax"})

	sum, err := Run(context.Background(), msgs, EngineSink{Engine: eng}, nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{Ingested: 3, Rejected: 1}, sum)

	wm, err := eng.GetWorkingMemory(context.Background(), "u1", now)
	require.NoError(t, err)
	assert.Len(t, wm.CurrentWeek, 3)
}

type failingSink struct{ calls int }

func (f *failingSink) Ingest(context.Context, engine.IncomingMessage) error {
	f.calls++
	return apperr.Unavailable("test", context.DeadlineExceeded)
}

func TestRunStopsOnUnavailable(t *testing.T) {
	sink := &failingSink{}
	msgs := []engine.IncomingMessage{{Content: "a"}, {Content: "b"}}
	_, err := Run(context.Background(), msgs, sink, nil)
	assert.True(t, apperr.IsUnavailable(err))
	assert.Equal(t, 1, sink.calls)
}

func TestHTTPSink(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch {
		case r.URL.Path == "/api/health":
			w.WriteHeader(http.StatusOK)
		case strings.Contains(r.Header.Get("Content-Type"), "json") && r.ContentLength > 0:
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), `"channel":"fax"`) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL + "/")
	ctx := context.Background()
	assert.True(t, sink.Healthy(ctx))

	require.NoError(t, sink.Ingest(ctx, engine.IncomingMessage{UserID: "u1", Content: "hi", Channel: "chat"}))
	err := sink.Ingest(ctx, engine.IncomingMessage{UserID: "u1", Content: "hi", Channel: "fax"})
	assert.True(t, apperr.IsValidation(err), "err = %v", err)
	assert.Equal(t, []string{"GET /api/health", "POST /api/messages", "POST /api/messages"}, paths)

	down := NewHTTPSink("http://127.0.0.1:1")
	assert.False(t, down.Healthy(ctx))
	assert.True(t, apperr.IsUnavailable(down.Ingest(ctx, engine.IncomingMessage{})))
}
