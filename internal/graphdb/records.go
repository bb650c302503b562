package graphdb

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/omnii/recall/internal/memory"
)

// Timestamps are stored as epoch milliseconds so range predicates stay
// integer comparisons.

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func str(r *neo4j.Record, key string) string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func i64(r *neo4j.Record, key string) int64 {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func f64(r *neo4j.Record, key string) float64 {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func boolean(r *neo4j.Record, key string) bool {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

func strs(r *neo4j.Record, key string) []string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func isNull(r *neo4j.Record, key string) bool {
	v, ok := r.Get(key)
	return !ok || v == nil
}

const messageReturn = `m.id AS id, m.user_id AS user_id, m.content AS content, m.channel AS channel,
	m.source_identifier AS source_identifier, m.is_incoming AS is_incoming, m.timestamp AS timestamp,
	m.last_modified AS last_modified, m.modification_reason AS modification_reason`

const conceptReturn = `c.id AS id, c.user_id AS user_id, c.name AS name,
	c.activation_strength AS activation_strength, c.mention_count AS mention_count,
	c.last_mentioned AS last_mentioned, c.semantic_weight AS semantic_weight, c.version AS version`

const memoryReturn = `mem.id AS id, mem.user_id AS user_id, mem.memory_type AS memory_type,
	mem.summary AS summary, mem.consolidation_strength AS consolidation_strength,
	mem.created_at AS created_at`

func toMessage(r *neo4j.Record) memory.ChatMessage {
	m := memory.ChatMessage{
		ID:                 str(r, "id"),
		UserID:             str(r, "user_id"),
		Content:            str(r, "content"),
		Channel:            memory.Channel(str(r, "channel")),
		SourceIdentifier:   str(r, "source_identifier"),
		IsIncoming:         boolean(r, "is_incoming"),
		Timestamp:          fromMillis(i64(r, "timestamp")),
		ModificationReason: memory.ModificationReason(str(r, "modification_reason")),
	}
	if !isNull(r, "last_modified") {
		t := fromMillis(i64(r, "last_modified"))
		m.LastModified = &t
	}
	return m
}

func toConcept(r *neo4j.Record) memory.Concept {
	return memory.Concept{
		ID:                 str(r, "id"),
		UserID:             str(r, "user_id"),
		Name:               str(r, "name"),
		ActivationStrength: f64(r, "activation_strength"),
		MentionCount:       int(i64(r, "mention_count")),
		LastMentioned:      fromMillis(i64(r, "last_mentioned")),
		SemanticWeight:     f64(r, "semantic_weight"),
		Version:            i64(r, "version"),
	}
}

func toMemory(r *neo4j.Record) memory.Memory {
	return memory.Memory{
		ID:                    str(r, "id"),
		UserID:                str(r, "user_id"),
		Type:                  memory.MemoryType(str(r, "memory_type")),
		Summary:               str(r, "summary"),
		ConsolidationStrength: f64(r, "consolidation_strength"),
		MessageIDs:            strs(r, "message_ids"),
		CreatedAt:             fromMillis(i64(r, "created_at")),
	}
}
