package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/store"
)

var ref = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func testEngine(t *testing.T, g memory.Graph) (*Engine, *clock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	clk := &clock{t: ref}
	return New(g, Options{Config: cfg, Clock: clk.Now}), clk
}

func ingest(t *testing.T, e *Engine, id string, ts time.Time, concepts ...string) Ingested {
	t.Helper()
	var mentions []memory.Mention
	for _, c := range concepts {
		mentions = append(mentions, memory.Mention{Name: c, Strength: 0.8})
	}
	res, err := e.IngestMessage(context.Background(), IncomingMessage{
		ID: id, UserID: "u1", Content: "message " + id, Channel: memory.ChannelChat,
		IsIncoming: true, Timestamp: ts, Mentions: mentions,
	})
	if err != nil {
		t.Fatalf("IngestMessage %s: %v", id, err)
	}
	return res
}

func ids(msgs []memory.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestTimeWindowScenario(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ingest(t, e, fmt.Sprintf("d1-%d", i), ref.Add(-1*day))
		ingest(t, e, fmt.Sprintf("d7-%d", i), ref.Add(-7*day))
		ingest(t, e, fmt.Sprintf("d30-%d", i), ref.Add(-30*day))
	}

	b, err := e.GetMessagesInTimeWindow(ctx, "u1", ref)
	require.NoError(t, err)

	assert.Len(t, b.CurrentWeek, 5)
	assert.Len(t, b.PreviousWeek, 5)
	assert.Empty(t, b.NextWeek)
	assert.Empty(t, b.RecentlyModified)
	for _, m := range b.CurrentWeek {
		assert.True(t, strings.HasPrefix(m.ID, "d1-"), "current_week holds %s", m.ID)
	}
	for _, m := range b.PreviousWeek {
		assert.True(t, strings.HasPrefix(m.ID, "d7-"), "previous_week holds %s", m.ID)
	}
	for _, group := range [][]memory.ChatMessage{b.CurrentWeek, b.PreviousWeek, b.NextWeek} {
		for _, m := range group {
			assert.False(t, strings.HasPrefix(m.ID, "d30-"), "-30d message %s must be filtered out", m.ID)
		}
	}
}

func TestNextWeekBucket(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	ingest(t, e, "soon", ref.Add(2*day))
	ingest(t, e, "edge", ref.Add(7*day))
	ingest(t, e, "far", ref.Add(8*day))

	b, err := e.GetMessagesInTimeWindow(context.Background(), "u1", ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"soon", "edge"}, ids(b.NextWeek))
}

func TestRecentlyModified(t *testing.T) {
	e, clk := testEngine(t, testDB(t))
	ctx := context.Background()
	ingest(t, e, "old", ref.Add(-3*day))
	ingest(t, e, "fresh", ref.Add(-3*day))
	ingest(t, e, "untouched", ref.Add(-day))

	clk.t = ref.Add(-3 * time.Hour)
	_, err := e.UpdateMessageModification(ctx, "old", memory.ReasonConceptUpdate)
	require.NoError(t, err)

	clk.t = ref.Add(-30 * time.Minute)
	msg, err := e.UpdateMessageModification(ctx, "fresh", memory.ReasonImportanceRecalc)
	require.NoError(t, err)
	require.NotNil(t, msg.LastModified)
	assert.Equal(t, memory.ReasonImportanceRecalc, msg.ModificationReason)

	got, err := e.GetRecentlyModifiedMessages(ctx, "u1", ref, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(got))

	wider, err := e.GetRecentlyModifiedMessages(ctx, "u1", ref, 4*time.Hour)
	require.NoError(t, err)
	assert.Len(t, wider, 2)

	b, err := e.GetMessagesInTimeWindow(ctx, "u1", ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(b.RecentlyModified))
	assert.Len(t, b.CurrentWeek, 3, "recently_modified does not remove messages from week buckets")
}

func TestUpdateMessageModificationValidation(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	ctx := context.Background()

	_, err := e.UpdateMessageModification(ctx, "", memory.ReasonConceptUpdate)
	assert.True(t, apperr.IsValidation(err))
	_, err = e.UpdateMessageModification(ctx, "m1", " ")
	assert.True(t, apperr.IsValidation(err))
	_, err = e.UpdateMessageModification(ctx, "ghost", memory.ReasonConceptUpdate)
	assert.True(t, apperr.IsNotFound(err), "err = %v", err)
}

func TestIngestValidationWritesNothing(t *testing.T) {
	db := testDB(t)
	e, _ := testEngine(t, db)
	ctx := context.Background()

	cases := []IncomingMessage{
		{UserID: "", Content: "x", Channel: memory.ChannelChat},
		{UserID: "u1", Content: "  ", Channel: memory.ChannelChat},
		{UserID: "u1", Content: "x", Channel: "fax"},
		{UserID: "u1", Content: "x", Channel: memory.ChannelSMS, Mentions: []memory.Mention{{Name: "go", Strength: 1.5}}},
		{UserID: "u1", Content: "x", Channel: memory.ChannelSMS, Mentions: []memory.Mention{{Name: "  ", Strength: 0.5}}},
	}
	for i, in := range cases {
		_, err := e.IngestMessage(ctx, in)
		assert.True(t, apperr.IsValidation(err), "case %d: err = %v", i, err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM chat_messages`).Scan(&n)
	assert.Zero(t, n)
}

func TestIngestMergesDuplicateMentions(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	res, err := e.IngestMessage(context.Background(), IncomingMessage{
		UserID: "u1", Content: "go go", Channel: memory.ChannelWebSocket, Timestamp: ref,
		Mentions: []memory.Mention{{Name: "Go", Strength: 0.4}, {Name: "go ", Strength: 0.9}},
	})
	require.NoError(t, err)
	require.Len(t, res.Concepts, 1)
	assert.Equal(t, "Go", res.Concepts[0].Name)
	assert.InDelta(t, 0.9, res.Concepts[0].ActivationStrength, 1e-9)
	assert.NotEmpty(t, res.Message.ID)
	assert.Equal(t, "ACTIVE", string(res.Relevance.Window))
}

func TestIngestDefaultsTimestampToNow(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	res, err := e.IngestMessage(context.Background(), IncomingMessage{UserID: "u1", Content: "hi", Channel: memory.ChannelSMS})
	require.NoError(t, err)
	assert.True(t, res.Message.Timestamp.Equal(ref))
}

func TestConceptActivationAcrossMentions(t *testing.T) {
	db := testDB(t)
	e, _ := testEngine(t, db)
	ctx := context.Background()

	ingest(t, e, "m1", ref.Add(-72*time.Hour), "phoenix")
	res := ingest(t, e, "m2", ref, "phoenix")

	// 0.8 decays to 0.4 over one half-life, then 0.4 + 0.6*0.8.
	c := res.Concepts[0]
	assert.InDelta(t, 0.88, c.ActivationStrength, 1e-9)
	assert.Equal(t, 2, c.MentionCount)
	assert.True(t, c.LastMentioned.Equal(ref))
	assert.InDelta(t, semanticWeight(2), c.SemanticWeight, 1e-9)

	stored, err := db.GetConcept(ctx, memory.ConceptID("u1", "phoenix"))
	require.NoError(t, err)
	assert.InDelta(t, 0.88, stored.ActivationStrength, 1e-9)
}

func TestRelatedConcepts(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	ctx := context.Background()
	ingest(t, e, "m1", ref, "launch", "budget")
	ingest(t, e, "m2", ref, "launch", "budget")
	ingest(t, e, "m3", ref, "budget", "hiring")

	ns, err := e.RelatedConcepts(ctx, memory.ConceptID("u1", "launch"), 2, 10)
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, "budget", ns[0].Concept.Name)
	assert.Equal(t, "hiring", ns[1].Concept.Name)
	assert.GreaterOrEqual(t, ns[0].AssociationStrength, ns[1].AssociationStrength)

	_, err = e.RelatedConcepts(ctx, memory.ConceptID("u1", "launch"), 0, 10)
	assert.True(t, apperr.IsValidation(err))
	_, err = e.RelatedConcepts(ctx, memory.ConceptID("u1", "launch"), 9, 10)
	assert.True(t, apperr.IsValidation(err))
	_, err = e.RelatedConcepts(ctx, "nope", 1, 10)
	assert.True(t, apperr.IsNotFound(err))
}

func TestWorkingMemoryStrength(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	ingest(t, e, "p", ref.Add(-10*day))
	ingest(t, e, "c", ref.Add(-2*day))
	ingest(t, e, "n", ref.Add(2*day))

	wm, err := e.GetWorkingMemory(context.Background(), "u1", ref)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, wm.MemoryStrength, 1e-9)
	assert.True(t, wm.ReferenceTime.Equal(ref))
}

func TestGetMessagesInTimeWindowRequiresUser(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	_, err := e.GetMessagesInTimeWindow(context.Background(), " ", ref)
	assert.True(t, apperr.IsValidation(err))
}

// flakyGraph fails the configured operations with store_unavailable.
type flakyGraph struct {
	memory.Graph
	failConsolidate int
	failIngest      int
	consolidates    int
	ingests         int
}

func (g *flakyGraph) Consolidate(ctx context.Context, ep memory.Episode) (memory.Memory, bool, error) {
	g.consolidates++
	if g.consolidates <= g.failConsolidate {
		return memory.Memory{}, false, apperr.Unavailable("test.consolidate", errors.New("graph down"))
	}
	return g.Graph.Consolidate(ctx, ep)
}

func (g *flakyGraph) Ingest(ctx context.Context, in memory.Ingestion) (memory.ChatMessage, []memory.Concept, error) {
	g.ingests++
	if g.ingests <= g.failIngest {
		return memory.ChatMessage{}, nil, apperr.Unavailable("test.ingest", errors.New("graph down"))
	}
	return g.Graph.Ingest(ctx, in)
}

func TestIngestRetriesOnce(t *testing.T) {
	g := &flakyGraph{Graph: testDB(t), failIngest: 1}
	e, _ := testEngine(t, g)
	ingest(t, e, "m1", ref)
	assert.Equal(t, 2, g.ingests)
}

func TestIngestPersistentFailureIsConsolidationError(t *testing.T) {
	g := &flakyGraph{Graph: testDB(t), failIngest: 10}
	e, _ := testEngine(t, g)
	_, err := e.IngestMessage(context.Background(), IncomingMessage{ID: "m1", UserID: "u1", Content: "x", Channel: memory.ChannelChat})
	require.True(t, apperr.IsConsolidation(err), "err = %v", err)

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, []string{"m1"}, ae.IDs)
	assert.Equal(t, 2, g.ingests)
}

func TestPing(t *testing.T) {
	e, _ := testEngine(t, testDB(t))
	assert.NoError(t, e.Ping(context.Background()))
}
