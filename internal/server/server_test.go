package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/cache"
	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/metrics"
	"github.com/omnii/recall/internal/store"
)

var ref = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return ref }

func testServer(t *testing.T, opts Options) *Server {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := metrics.New("recall")
	db.Metrics = m
	eng := engine.New(db, engine.Options{Clock: clock})
	c := cache.New(db.CacheBackend(), cache.Options{
		Policy:         cache.DefaultTTLPolicy(),
		StaleRetention: time.Hour,
		Clock:          clock,
		Metrics:        m,
	})
	if opts.Version == "" {
		opts.Version = "test-version"
	}
	return New(Deps{Engine: eng, Cache: c, Metrics: m, Clock: clock}, opts)
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func ingestBody(id, ts string, concepts ...string) string {
	var mentions []string
	for _, c := range concepts {
		mentions = append(mentions, `{"name":"`+c+`","strength":0.8}`)
	}
	return `{"id":"` + id + `","user_id":"u1","content":"message ` + id + `","channel":"chat","timestamp":"` + ts +
		`","mentions":[` + strings.Join(mentions, ",") + `]}`
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t, Options{})
	w := do(t, srv, "GET", "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-version", body["version"])
	assert.Equal(t, true, body["graph"])
	assert.Equal(t, true, body["cache"])
}

func TestRelevanceEndpoint(t *testing.T) {
	srv := testServer(t, Options{})

	w := do(t, srv, "POST", "/api/relevance", `{"timestamp":"2025-03-10T10:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rel map[string]any
	decodeBody(t, w, &rel)
	assert.Equal(t, "IMMEDIATE", rel["priority"])
	assert.Equal(t, "ACTIVE", rel["window"])

	w = do(t, srv, "POST", "/api/relevance", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var e errorBody
	decodeBody(t, w, &e)
	assert.Equal(t, "validation", e.Kind)

	w = do(t, srv, "POST", "/api/relevance", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFreeSlotsEndpoint(t *testing.T) {
	srv := testServer(t, Options{})
	body := `{"min_duration_minutes":30,"timezone":"UTC","events":[
		{"id":"e1","start":"2025-03-10T10:00:00Z","end":"2025-03-10T11:00:00Z"}]}`
	w := do(t, srv, "POST", "/api/schedule/free-slots", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var an map[string]any
	decodeBody(t, w, &an)
	slots, ok := an["slots"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, slots)

	w = do(t, srv, "POST", "/api/schedule/free-slots", `{"min_duration_minutes":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, srv, "POST", "/api/schedule/free-slots", `{"min_duration_minutes":30,"timezone":"Mars/Olympus"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrioritizeEndpoint(t *testing.T) {
	srv := testServer(t, Options{})
	body := `{"actions":[
		{"id":"a1","type":"task","operation":"sync"},
		{"id":"a2","type":"calendar","operation":"find_free_time"}]}`
	w := do(t, srv, "POST", "/api/actions/prioritize", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Actions []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"actions"`
	}
	decodeBody(t, w, &res)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, "a2", res.Actions[0].ID)
	assert.InDelta(t, 1.5, res.Actions[0].Score, 1e-9)
}

func TestIngestAndWorkingMemory(t *testing.T) {
	srv := testServer(t, Options{})

	w := do(t, srv, "POST", "/api/messages", ingestBody("m1", "2025-03-09T12:00:00Z", "garden"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ing engine.Ingested
	decodeBody(t, w, &ing)
	assert.Equal(t, "m1", ing.Message.ID)
	require.Len(t, ing.Concepts, 1)

	do(t, srv, "POST", "/api/messages", ingestBody("m2", "2025-03-12T12:00:00Z"))
	do(t, srv, "POST", "/api/messages", ingestBody("m3", "2025-03-01T12:00:00Z"))

	w = do(t, srv, "GET", "/api/users/u1/working-memory?at=2025-03-10T09:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var wm engine.WorkingMemory
	decodeBody(t, w, &wm)
	assert.Len(t, wm.PreviousWeek, 1)
	assert.Len(t, wm.CurrentWeek, 1)
	assert.Len(t, wm.NextWeek, 1)
	assert.InDelta(t, 0.8, wm.MemoryStrength, 1e-9)

	w = do(t, srv, "GET", "/api/users/u1/working-memory?at=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestValidation(t *testing.T) {
	srv := testServer(t, Options{})
	tests := []string{
		`{"user_id":"u1","content":"hi","channel":"fax"}`,
		`{"user_id":"","content":"hi","channel":"chat"}`,
		`{"user_id":"u1","content":"hi","channel":"chat","mentions":[{"name":"x","strength":2}]}`,
	}
	for _, body := range tests {
		w := do(t, srv, "POST", "/api/messages", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestMarkModifiedAndRecentlyModified(t *testing.T) {
	srv := testServer(t, Options{})
	do(t, srv, "POST", "/api/messages", ingestBody("m1", "2025-03-09T12:00:00Z"))

	w := do(t, srv, "POST", "/api/messages/m1/modified", `{"reason":"importance_recalc"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, srv, "GET", "/api/users/u1/recently-modified", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Messages []memory.ChatMessage `json:"messages"`
	}
	decodeBody(t, w, &res)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, memory.ReasonImportanceRecalc, res.Messages[0].ModificationReason)

	w = do(t, srv, "POST", "/api/messages/ghost/modified", `{"reason":"importance_recalc"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, srv, "POST", "/api/messages/m1/modified", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConsolidateEndpoint(t *testing.T) {
	srv := testServer(t, Options{})
	do(t, srv, "POST", "/api/messages", ingestBody("m1", "2025-03-10T08:00:00Z", "roadmap"))
	do(t, srv, "POST", "/api/messages", ingestBody("m2", "2025-03-10T08:30:00Z", "roadmap"))

	body := `{"message_ids":["m1","m2"]}`
	w := do(t, srv, "POST", "/api/users/u1/episodes", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first engine.Consolidated
	decodeBody(t, w, &first)
	assert.Equal(t, "Discussed: roadmap", first.Memory.Summary)

	w = do(t, srv, "POST", "/api/users/u1/episodes", body)
	require.Equal(t, http.StatusOK, w.Code)
	var again engine.Consolidated
	decodeBody(t, w, &again)
	assert.Equal(t, first.Memory.ID, again.Memory.ID)
	assert.False(t, again.Created)

	w = do(t, srv, "POST", "/api/users/u1/episodes", `{"message_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, "GET", "/api/users/u1/memory-context?at=2025-03-10T09:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	var mc engine.MemoryContext
	decodeBody(t, w, &mc)
	assert.Len(t, mc.Episodic, 1)
	assert.Len(t, mc.Semantic, 1)

	w = do(t, srv, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "recall_memories_created_total 1")
	assert.Contains(t, w.Body.String(), `route="/api/users/{userID}/episodes"`)
}

func TestNeighborsEndpoint(t *testing.T) {
	srv := testServer(t, Options{})
	do(t, srv, "POST", "/api/messages", ingestBody("m1", "2025-03-10T08:00:00Z", "alpha", "beta"))

	id := memory.ConceptID("u1", "alpha")
	w := do(t, srv, "GET", "/api/concepts/"+id+"/neighbors?depth=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Neighbors []memory.Neighbor `json:"neighbors"`
	}
	decodeBody(t, w, &res)
	require.Len(t, res.Neighbors, 1)
	assert.Equal(t, "beta", res.Neighbors[0].Concept.Name)

	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/concepts/nope/neighbors", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/concepts/"+id+"/neighbors?depth=9", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "GET", "/api/concepts/"+id+"/neighbors?depth=x", "").Code)
}

func TestContextEndpoint(t *testing.T) {
	srv := testServer(t, Options{})
	do(t, srv, "POST", "/api/messages", ingestBody("m1", "2025-03-10T10:00:00Z", "dentist"))

	w := do(t, srv, "GET", "/api/users/u1/context?format=markdown", "")
	require.Equal(t, http.StatusOK, w.Code)
	var md map[string]string
	decodeBody(t, w, &md)
	assert.True(t, strings.HasPrefix(md["context"], "<context>"))

	w = do(t, srv, "GET", "/api/users/u1/analysis", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCacheEndpoints(t *testing.T) {
	srv := testServer(t, Options{})

	w := do(t, srv, "PUT", "/api/cache/u1/calendar/today", `{"data":{"events":[1,2]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var e cache.Entry
	decodeBody(t, w, &e)
	assert.Equal(t, ref.Add(2*time.Hour), e.ExpiresAt.UTC())

	w = do(t, srv, "GET", "/api/cache/u1/calendar/today", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res cache.Result
	decodeBody(t, w, &res)
	assert.True(t, res.Hit)
	assert.False(t, res.Expired)
	assert.JSONEq(t, `{"events":[1,2]}`, string(res.Data))

	do(t, srv, "PUT", "/api/cache/u1/calendar/tomorrow", `{"data":[],"ttl_seconds":60}`)
	w = do(t, srv, "DELETE", "/api/cache/u1/calendar/today", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":1}`, w.Body.String())

	w = do(t, srv, "GET", "/api/cache/u1/calendar/today", "")
	decodeBody(t, w, &res)
	assert.False(t, res.Hit)

	w = do(t, srv, "DELETE", "/api/cache/u1/calendar", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":1}`, w.Body.String())

	w = do(t, srv, "PUT", "/api/cache/u1/weather/today", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "custom type without ttl")
	w = do(t, srv, "PUT", "/api/cache/u1/weather/today", `{"data":{},"ttl_seconds":-5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	srv := testServer(t, Options{})
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{apperr.Validation("op", "bad"), http.StatusBadRequest, "validation"},
		{apperr.NotFound("op", "gone"), http.StatusNotFound, "not_found"},
		{apperr.Unavailable("op", errors.New("down")), http.StatusServiceUnavailable, "store_unavailable"},
		{apperr.Consolidation("op", []string{"m1", "m2"}, errors.New("tx")), http.StatusInternalServerError, "consolidation"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		srv.writeError(w, httptest.NewRequest("GET", "/", nil), tt.err)
		assert.Equal(t, tt.code, w.Code, tt.kind)
		var body errorBody
		decodeBody(t, w, &body)
		assert.Equal(t, tt.kind, body.Kind)
		if tt.kind == "consolidation" {
			assert.Equal(t, []string{"m1", "m2"}, body.IDs)
		}
	}
}

func TestRateLimit(t *testing.T) {
	srv := testServer(t, Options{RateLimit: 1, RateBurst: 2})
	body := `{"timestamp":"2025-03-10T10:00:00Z"}`
	var codes []int
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, srv, "POST", "/api/relevance", body).Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Health stays reachable for probes.
	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/health", "").Code)
}
