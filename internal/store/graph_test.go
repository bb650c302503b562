package store

import (
	"context"
	"testing"
	"time"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/memory"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// countActivate bumps mention_count and sets activation to the mention strength.
func countActivate(prev *memory.Concept, m memory.Mention) memory.Concept {
	c := memory.Concept{Name: m.Name, ActivationStrength: m.Strength, MentionCount: 1, LastMentioned: t0}
	if prev != nil {
		c.MentionCount = prev.MentionCount + 1
	}
	return c
}

func plusTenth(prev float64, _, _ memory.Mention) float64 {
	return prev + 0.1
}

func mention(user, name string, strength float64) memory.Mention {
	return memory.Mention{ConceptID: memory.ConceptID(user, name), Name: name, Strength: strength}
}

func ingest(t *testing.T, db *DB, id, user string, ts time.Time, mentions ...memory.Mention) memory.ChatMessage {
	t.Helper()
	msg, _, err := db.Ingest(context.Background(), memory.Ingestion{
		Message: memory.ChatMessage{
			ID: id, UserID: user, Content: "content " + id,
			Channel: memory.ChannelChat, IsIncoming: true, Timestamp: ts,
		},
		Mentions:  mentions,
		Activate:  countActivate,
		Associate: plusTenth,
	})
	if err != nil {
		t.Fatalf("Ingest %s: %v", id, err)
	}
	return msg
}

func TestIngestWritesMessageAndConcepts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ingest(t, db, "m1", "u1", t0, mention("u1", "Phoenix", 0.9), mention("u1", "launch", 0.6))
	ingest(t, db, "m2", "u1", t0.Add(time.Hour), mention("u1", "phoenix", 0.7))

	msgs, err := db.GetMessages(ctx, []string{"m2", "m1"})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m1" {
		t.Fatalf("GetMessages order = %+v", msgs)
	}
	if !msgs[1].Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v, want %v", msgs[1].Timestamp, t0)
	}

	c, err := db.GetConcept(ctx, memory.ConceptID("u1", "Phoenix"))
	if err != nil {
		t.Fatalf("GetConcept: %v", err)
	}
	if c.MentionCount != 2 {
		t.Errorf("mention_count = %d, want 2", c.MentionCount)
	}
	if c.Version != 2 {
		t.Errorf("version = %d, want 2", c.Version)
	}
	if c.Name != "Phoenix" {
		t.Errorf("name = %q, want first-seen spelling", c.Name)
	}

	mentions, err := db.MentionsFor(ctx, []string{"m1", "m2"})
	if err != nil {
		t.Fatalf("MentionsFor: %v", err)
	}
	if len(mentions["m1"]) != 2 || len(mentions["m2"]) != 1 {
		t.Errorf("mentions = %+v", mentions)
	}
}

func TestIngestRejectsDuplicateMessage(t *testing.T) {
	db := testDB(t)
	ingest(t, db, "m1", "u1", t0)

	_, _, err := db.Ingest(context.Background(), memory.Ingestion{
		Message:  memory.ChatMessage{ID: "m1", UserID: "u1", Content: "again", Channel: memory.ChannelSMS, Timestamp: t0},
		Activate: countActivate,
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestGetMessagesUnknownID(t *testing.T) {
	db := testDB(t)
	_, err := db.GetMessages(context.Background(), []string{"nope"})
	if !apperr.IsNotFound(err) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestMessagesBetweenAndModified(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ingest(t, db, "old", "u1", t0.Add(-10*24*time.Hour))
	ingest(t, db, "mid", "u1", t0.Add(-2*24*time.Hour))
	ingest(t, db, "new", "u1", t0)
	ingest(t, db, "other", "u2", t0)

	got, err := db.MessagesBetween(ctx, "u1", t0.Add(-7*24*time.Hour), t0)
	if err != nil {
		t.Fatalf("MessagesBetween: %v", err)
	}
	if len(got) != 2 || got[0].ID != "mid" || got[1].ID != "new" {
		t.Fatalf("MessagesBetween = %+v", got)
	}

	if _, err := db.MarkModified(ctx, "old", t0.Add(-time.Hour), memory.ReasonImportanceRecalc); err != nil {
		t.Fatalf("MarkModified: %v", err)
	}
	if _, err := db.MarkModified(ctx, "mid", t0.Add(-5*time.Hour), memory.ReasonConceptUpdate); err != nil {
		t.Fatalf("MarkModified: %v", err)
	}

	mod, err := db.MessagesModifiedSince(ctx, "u1", t0.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("MessagesModifiedSince: %v", err)
	}
	if len(mod) != 1 || mod[0].ID != "old" {
		t.Fatalf("MessagesModifiedSince = %+v", mod)
	}
	if mod[0].ModificationReason != memory.ReasonImportanceRecalc {
		t.Errorf("reason = %q", mod[0].ModificationReason)
	}

	if _, err := db.MarkModified(ctx, "ghost", t0, memory.ReasonConceptUpdate); !apperr.IsNotFound(err) {
		t.Errorf("MarkModified unknown: err = %v, want not_found", err)
	}
}

func TestRelatedConceptsTraversal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// a-b twice (0.2), b-c once (0.1), c-d once (0.1)
	ingest(t, db, "m1", "u1", t0, mention("u1", "a", 1), mention("u1", "b", 1))
	ingest(t, db, "m2", "u1", t0, mention("u1", "a", 1), mention("u1", "b", 1))
	ingest(t, db, "m3", "u1", t0, mention("u1", "b", 1), mention("u1", "c", 1))
	ingest(t, db, "m4", "u1", t0, mention("u1", "c", 1), mention("u1", "d", 1))

	a := memory.ConceptID("u1", "a")

	one, err := db.RelatedConcepts(ctx, a, 1, 10)
	if err != nil {
		t.Fatalf("RelatedConcepts: %v", err)
	}
	if len(one) != 1 || one[0].Concept.Name != "b" || one[0].Depth != 1 {
		t.Fatalf("depth 1 = %+v", one)
	}

	two, err := db.RelatedConcepts(ctx, a, 2, 10)
	if err != nil {
		t.Fatalf("RelatedConcepts: %v", err)
	}
	if len(two) != 2 {
		t.Fatalf("depth 2 len = %d, want 2", len(two))
	}
	if two[0].Concept.Name != "b" || two[1].Concept.Name != "c" {
		t.Errorf("order = %s, %s", two[0].Concept.Name, two[1].Concept.Name)
	}
	if two[0].AssociationStrength < two[1].AssociationStrength {
		t.Error("neighbors must be ordered by association strength desc")
	}
	if two[1].Depth != 2 {
		t.Errorf("c depth = %d, want 2", two[1].Depth)
	}

	three, _ := db.RelatedConcepts(ctx, a, 3, 2)
	if len(three) != 2 {
		t.Errorf("limit not applied: %d", len(three))
	}

	if _, err := db.RelatedConcepts(ctx, "missing", 2, 10); !apperr.IsNotFound(err) {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestConsolidateIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ingest(t, db, "m1", "u1", t0)
	ingest(t, db, "m2", "u1", t0.Add(time.Minute))

	ep := memory.Episode{UserID: "u1", MessageIDs: []string{"m2", "m1"}, Summary: "chat", Strength: 0.7, At: t0.Add(time.Hour)}
	mem, created, err := db.Consolidate(ctx, ep)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if !created {
		t.Fatal("first consolidation should create")
	}

	ep.MessageIDs = []string{"m1", "m2", "m1"}
	again, created, err := db.Consolidate(ctx, ep)
	if err != nil {
		t.Fatalf("Consolidate again: %v", err)
	}
	if created || again.ID != mem.ID {
		t.Fatalf("re-consolidation created=%v id=%s, want existing %s", created, again.ID, mem.ID)
	}

	var memories, edges int
	db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&memories)
	db.QueryRow(`SELECT COUNT(*) FROM message_memories`).Scan(&edges)
	if memories != 1 || edges != 2 {
		t.Errorf("memories=%d edges=%d, want 1 and 2", memories, edges)
	}

	msgs, _ := db.GetMessages(ctx, []string{"m1"})
	if msgs[0].ModificationReason != memory.ReasonConsolidation {
		t.Errorf("reason = %q, want consolidation", msgs[0].ModificationReason)
	}

	list, err := db.MemoriesForUser(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("MemoriesForUser: %v", err)
	}
	if len(list) != 1 || len(list[0].MessageIDs) != 2 {
		t.Errorf("MemoriesForUser = %+v", list)
	}
}

func TestConsolidateRollsBackOnMissingMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ingest(t, db, "m1", "u1", t0)

	_, _, err := db.Consolidate(ctx, memory.Episode{UserID: "u1", MessageIDs: []string{"m1", "ghost"}, Summary: "x", At: t0})
	if !apperr.IsNotFound(err) {
		t.Fatalf("err = %v, want not_found", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
	if n != 0 {
		t.Errorf("memories = %d, want 0 after rollback", n)
	}
}

func TestConsolidateRejectsForeignMessages(t *testing.T) {
	db := testDB(t)
	ingest(t, db, "m1", "u1", t0)
	ingest(t, db, "m2", "u2", t0)

	_, _, err := db.Consolidate(context.Background(), memory.Episode{UserID: "u1", MessageIDs: []string{"m1", "m2"}, At: t0})
	if !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestConceptsForUserOrdered(t *testing.T) {
	db := testDB(t)
	ingest(t, db, "m1", "u1", t0, mention("u1", "low", 0.2), mention("u1", "high", 0.9), mention("u1", "mid", 0.5))

	cs, err := db.ConceptsForUser(context.Background(), "u1", 2)
	if err != nil {
		t.Fatalf("ConceptsForUser: %v", err)
	}
	if len(cs) != 2 || cs[0].Name != "high" || cs[1].Name != "mid" {
		t.Errorf("ConceptsForUser = %+v", cs)
	}
}

func TestCanceledContextLeavesNothing(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := db.Ingest(ctx, memory.Ingestion{
		Message:  memory.ChatMessage{ID: "m1", UserID: "u1", Content: "x", Channel: memory.ChannelChat, Timestamp: t0},
		Activate: countActivate,
	})
	if err == nil {
		t.Fatal("expected error on canceled context")
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM chat_messages`).Scan(&n)
	if n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}
