package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/memory"
)

var _ memory.Graph = (*DB)(nil)

const messageColumns = `id, user_id, content, channel, source_identifier, is_incoming, timestamp,
	last_modified, modification_reason`

const conceptColumns = `id, user_id, name, activation_strength, mention_count, last_mentioned,
	semantic_weight, version`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (memory.ChatMessage, error) {
	var (
		m        memory.ChatMessage
		channel  string
		source   sql.NullString
		incoming int
		ts       int64
		modified sql.NullInt64
		reason   sql.NullString
	)
	if err := s.Scan(&m.ID, &m.UserID, &m.Content, &channel, &source, &incoming, &ts, &modified, &reason); err != nil {
		return m, err
	}
	m.Channel = memory.Channel(channel)
	m.SourceIdentifier = source.String
	m.IsIncoming = incoming != 0
	m.Timestamp = fromMillis(ts)
	m.LastModified = nullMillis(modified)
	m.ModificationReason = memory.ModificationReason(reason.String)
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]memory.ChatMessage, error) {
	var out []memory.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanConcept(s scanner) (memory.Concept, error) {
	var (
		c    memory.Concept
		last int64
	)
	if err := s.Scan(&c.ID, &c.UserID, &c.Name, &c.ActivationStrength, &c.MentionCount, &last,
		&c.SemanticWeight, &c.Version); err != nil {
		return c, err
	}
	c.LastMentioned = fromMillis(last)
	return c, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ingest writes a message and everything it implies in one transaction.
func (db *DB) Ingest(ctx context.Context, in memory.Ingestion) (msg memory.ChatMessage, concepts []memory.Concept, err error) {
	const op = "store.ingest"
	defer db.observe("ingest", time.Now(), &err)

	m := in.Message
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return msg, nil, unavailable(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		m.UserID, toMillis(m.Timestamp)); err != nil {
		return msg, nil, unavailable(op, fmt.Errorf("upsert user: %w", err))
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE id = ?`, m.ID).Scan(&exists); err != nil {
		return msg, nil, unavailable(op, err)
	}
	if exists > 0 {
		return msg, nil, apperr.Validation(op, "message %s already ingested", m.ID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, user_id, content, channel, source_identifier, is_incoming, timestamp)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)
	`, m.ID, m.UserID, m.Content, string(m.Channel), m.SourceIdentifier, boolInt(m.IsIncoming), toMillis(m.Timestamp)); err != nil {
		return msg, nil, unavailable(op, fmt.Errorf("insert message: %w", err))
	}

	for _, mention := range in.Mentions {
		c, err := upsertConcept(ctx, tx, m.UserID, mention, in.Activate)
		if err != nil {
			return msg, nil, unavailable(op, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mentions (message_id, concept_id, strength) VALUES (?, ?, ?)
			ON CONFLICT(message_id, concept_id) DO NOTHING
		`, m.ID, c.ID, memory.Clamp01(mention.Strength)); err != nil {
			return msg, nil, unavailable(op, fmt.Errorf("insert mention: %w", err))
		}
		concepts = append(concepts, c)
	}

	if in.Associate != nil {
		now := toMillis(m.Timestamp)
		for i := 0; i < len(in.Mentions); i++ {
			for j := i + 1; j < len(in.Mentions); j++ {
				a, b := in.Mentions[i], in.Mentions[j]
				if err := associate(ctx, tx, a, b, in.Associate, now); err != nil {
					return msg, nil, unavailable(op, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return msg, nil, unavailable(op, fmt.Errorf("commit: %w", err))
	}
	return m, concepts, nil
}

func upsertConcept(ctx context.Context, tx querier, userID string, m memory.Mention,
	activate func(*memory.Concept, memory.Mention) memory.Concept) (memory.Concept, error) {
	prev, err := scanConcept(tx.QueryRowContext(ctx,
		`SELECT `+conceptColumns+` FROM concepts WHERE id = ?`, m.ConceptID))
	var prevPtr *memory.Concept
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return memory.Concept{}, fmt.Errorf("load concept: %w", err)
	default:
		prevPtr = &prev
	}

	next := activate(prevPtr, m)
	next.ID, next.UserID = m.ConceptID, userID
	next.ActivationStrength = memory.Clamp01(next.ActivationStrength)
	next.SemanticWeight = memory.Clamp01(next.SemanticWeight)

	if prevPtr == nil {
		next.Version = 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO concepts (id, user_id, name, activation_strength, mention_count, last_mentioned, semantic_weight, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		`, next.ID, userID, next.Name, next.ActivationStrength, next.MentionCount,
			toMillis(next.LastMentioned), next.SemanticWeight)
		if err != nil {
			return memory.Concept{}, fmt.Errorf("insert concept: %w", err)
		}
		return next, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE concepts SET activation_strength = ?, mention_count = ?, last_mentioned = ?,
			semantic_weight = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, next.ActivationStrength, next.MentionCount, toMillis(next.LastMentioned),
		next.SemanticWeight, next.ID, prev.Version)
	if err != nil {
		return memory.Concept{}, fmt.Errorf("update concept: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.Concept{}, memory.ErrVersionConflict
	}
	next.Name = prev.Name
	next.Version = prev.Version + 1
	return next, nil
}

func associate(ctx context.Context, tx querier, a, b memory.Mention,
	fn func(float64, memory.Mention, memory.Mention) float64, now int64) error {
	if a.ConceptID == b.ConceptID {
		return nil
	}
	var prev float64
	err := tx.QueryRowContext(ctx,
		`SELECT association_strength FROM concept_relations WHERE from_id = ? AND to_id = ?`,
		a.ConceptID, b.ConceptID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load relation: %w", err)
	}
	s := memory.Clamp01(fn(prev, a, b))

	// RELATED_TO is symmetric in intent; both directions carry the same weight.
	for _, pair := range [][2]string{{a.ConceptID, b.ConceptID}, {b.ConceptID, a.ConceptID}} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO concept_relations (from_id, to_id, association_strength, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(from_id, to_id) DO UPDATE SET
				association_strength = excluded.association_strength,
				updated_at = excluded.updated_at
		`, pair[0], pair[1], s, now); err != nil {
			return fmt.Errorf("upsert relation: %w", err)
		}
	}
	return nil
}

// GetMessages returns messages in the order of ids. Unknown ids are not_found.
func (db *DB) GetMessages(ctx context.Context, ids []string) (out []memory.ChatMessage, err error) {
	const op = "store.get_messages"
	defer db.observe("get_messages", time.Now(), &err)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE id IN (`+placeholders(len(ids))+`)`,
		anyArgs(ids)...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	found, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, unavailable(op, err)
	}

	byID := make(map[string]memory.ChatMessage, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	out = make([]memory.ChatMessage, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			return nil, apperr.NotFound(op, "message %s", id)
		}
		out = append(out, m)
	}
	return out, nil
}

func (db *DB) MessagesBetween(ctx context.Context, userID string, from, to time.Time) (out []memory.ChatMessage, err error) {
	defer db.observe("messages_between", time.Now(), &err)
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE user_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC
	`, userID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, unavailable("store.messages_between", err)
	}
	defer rows.Close()
	out, err = scanMessages(rows)
	return out, unavailable("store.messages_between", err)
}

func (db *DB) MessagesModifiedSince(ctx context.Context, userID string, since time.Time) (out []memory.ChatMessage, err error) {
	defer db.observe("messages_modified_since", time.Now(), &err)
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE user_id = ? AND last_modified IS NOT NULL AND last_modified >= ?
		ORDER BY last_modified DESC, id ASC
	`, userID, toMillis(since))
	if err != nil {
		return nil, unavailable("store.messages_modified_since", err)
	}
	defer rows.Close()
	out, err = scanMessages(rows)
	return out, unavailable("store.messages_modified_since", err)
}

func (db *DB) MarkModified(ctx context.Context, messageID string, at time.Time, reason memory.ModificationReason) (msg memory.ChatMessage, err error) {
	const op = "store.mark_modified"
	defer db.observe("mark_modified", time.Now(), &err)

	res, err := db.ExecContext(ctx,
		`UPDATE chat_messages SET last_modified = ?, modification_reason = ? WHERE id = ?`,
		toMillis(at), string(reason), messageID)
	if err != nil {
		return msg, unavailable(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return msg, apperr.NotFound(op, "message %s", messageID)
	}
	msg, err = scanMessage(db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`, messageID))
	return msg, unavailable(op, err)
}

func (db *DB) GetConcept(ctx context.Context, id string) (c memory.Concept, err error) {
	const op = "store.get_concept"
	defer db.observe("get_concept", time.Now(), &err)

	c, err = scanConcept(db.QueryRowContext(ctx, `SELECT `+conceptColumns+` FROM concepts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, apperr.NotFound(op, "concept %s", id)
	}
	return c, unavailable(op, err)
}

func (db *DB) ConceptsForUser(ctx context.Context, userID string, limit int) (out []memory.Concept, err error) {
	const op = "store.concepts_for_user"
	defer db.observe("concepts_for_user", time.Now(), &err)
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+conceptColumns+` FROM concepts WHERE user_id = ?
		ORDER BY activation_strength DESC, last_mentioned DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, c)
	}
	return out, unavailable(op, rows.Err())
}

func (db *DB) MentionsFor(ctx context.Context, messageIDs []string) (out map[string][]memory.Mention, err error) {
	const op = "store.mentions_for"
	defer db.observe("mentions_for", time.Now(), &err)
	out = make(map[string][]memory.Mention, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT m.message_id, m.concept_id, c.name, m.strength
		FROM mentions m JOIN concepts c ON c.id = m.concept_id
		WHERE m.message_id IN (`+placeholders(len(messageIDs))+`)
		ORDER BY m.message_id, m.strength DESC
	`, anyArgs(messageIDs)...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgID string
		var mention memory.Mention
		if err := rows.Scan(&msgID, &mention.ConceptID, &mention.Name, &mention.Strength); err != nil {
			return nil, unavailable(op, err)
		}
		out[msgID] = append(out[msgID], mention)
	}
	return out, unavailable(op, rows.Err())
}

type edge struct {
	to       string
	strength float64
}

// RelatedConcepts runs a breadth-first walk over RELATED_TO edges. A
// neighbor's strength is the best product of edge strengths along any path
// of at most depth hops.
func (db *DB) RelatedConcepts(ctx context.Context, conceptID string, depth, limit int) (out []memory.Neighbor, err error) {
	const op = "store.related_concepts"
	defer db.observe("related_concepts", time.Now(), &err)

	if _, err := db.GetConcept(ctx, conceptID); err != nil {
		return nil, err
	}

	type reach struct {
		strength float64
		depth    int
	}
	best := map[string]reach{}
	frontier := map[string]float64{conceptID: 1}

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		next := map[string]float64{}
		for from, s := range frontier {
			edges, err := db.edgesFrom(ctx, from)
			if err != nil {
				return nil, unavailable(op, err)
			}
			for _, e := range edges {
				if e.to == conceptID {
					continue
				}
				cand := s * e.strength
				if r, ok := best[e.to]; ok && r.strength >= cand {
					continue
				}
				best[e.to] = reach{strength: cand, depth: d}
				if cand > next[e.to] {
					next[e.to] = cand
				}
			}
		}
		frontier = next
	}

	for id, r := range best {
		c, err := db.GetConcept(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, memory.Neighbor{Concept: c, AssociationStrength: memory.Clamp01(r.strength), Depth: r.depth})
	}
	sortNeighbors(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *DB) edgesFrom(ctx context.Context, from string) ([]edge, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT to_id, association_strength FROM concept_relations WHERE from_id = ?`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []edge
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.to, &e.strength); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func sortNeighbors(ns []memory.Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		a, b := ns[i], ns[j]
		if a.AssociationStrength != b.AssociationStrength {
			return a.AssociationStrength > b.AssociationStrength
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.Concept.Name < b.Concept.Name
	})
}

// Consolidate creates the episode's Memory node and HAS_MEMORY edges, and
// stamps the member messages as modified by consolidation.
func (db *DB) Consolidate(ctx context.Context, ep memory.Episode) (mem memory.Memory, created bool, err error) {
	const op = "store.consolidate"
	defer db.observe("consolidate", time.Now(), &err)

	ids := dedupe(ep.MessageIDs)
	memID := memory.MemoryID(ep.UserID, ids)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return mem, false, unavailable(op, err)
	}
	defer tx.Rollback()

	existing, found, err := loadMemory(ctx, tx, memID)
	if err != nil {
		return mem, false, unavailable(op, err)
	}
	if found {
		return existing, false, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id FROM chat_messages WHERE id IN (`+placeholders(len(ids))+`)`, anyArgs(ids)...)
	if err != nil {
		return mem, false, unavailable(op, err)
	}
	owners := map[string]string{}
	for rows.Next() {
		var id, owner string
		if err := rows.Scan(&id, &owner); err != nil {
			rows.Close()
			return mem, false, unavailable(op, err)
		}
		owners[id] = owner
	}
	rows.Close()
	for _, id := range ids {
		owner, ok := owners[id]
		if !ok {
			return mem, false, apperr.NotFound(op, "message %s", id)
		}
		if owner != ep.UserID {
			return mem, false, apperr.Validation(op, "message %s does not belong to user", id)
		}
	}

	strength := memory.Clamp01(ep.Strength)
	at := toMillis(ep.At)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, memory_type, summary, consolidation_strength, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, memID, ep.UserID, string(memory.MemoryEpisodic), ep.Summary, strength, at); err != nil {
		return mem, false, unavailable(op, fmt.Errorf("insert memory: %w", err))
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_memories (message_id, memory_id, consolidation_strength) VALUES (?, ?, ?)
			ON CONFLICT(message_id, memory_id) DO NOTHING
		`, id, memID, strength); err != nil {
			return mem, false, unavailable(op, fmt.Errorf("link message: %w", err))
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_messages SET last_modified = ?, modification_reason = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		append([]any{at, string(memory.ReasonConsolidation)}, anyArgs(ids)...)...); err != nil {
		return mem, false, unavailable(op, fmt.Errorf("stamp messages: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return mem, false, unavailable(op, fmt.Errorf("commit: %w", err))
	}
	db.Metrics.MemoryCreated()
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return memory.Memory{
		ID:                    memID,
		UserID:                ep.UserID,
		Type:                  memory.MemoryEpisodic,
		Summary:               ep.Summary,
		ConsolidationStrength: strength,
		MessageIDs:            sorted,
		CreatedAt:             fromMillis(at),
	}, true, nil
}

func loadMemory(ctx context.Context, q querier, id string) (memory.Memory, bool, error) {
	var (
		m       memory.Memory
		mtype   string
		created int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, memory_type, summary, consolidation_strength, created_at
		FROM memories WHERE id = ?
	`, id).Scan(&m.ID, &m.UserID, &mtype, &m.Summary, &m.ConsolidationStrength, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, err
	}
	m.Type = memory.MemoryType(mtype)
	m.CreatedAt = fromMillis(created)
	m.MessageIDs, err = memoryMessageIDs(ctx, q, id)
	return m, err == nil, err
}

func memoryMessageIDs(ctx context.Context, q querier, memoryID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT message_id FROM message_memories WHERE memory_id = ? ORDER BY message_id`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) MemoriesForUser(ctx context.Context, userID string, limit int) (out []memory.Memory, err error) {
	const op = "store.memories_for_user"
	defer db.observe("memories_for_user", time.Now(), &err)
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id FROM memories WHERE user_id = ? ORDER BY created_at DESC, id ASC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, unavailable(op, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, unavailable(op, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		m, found, err := loadMemory(ctx, db, id)
		if err != nil {
			return nil, unavailable(op, err)
		}
		if found {
			out = append(out, m)
		}
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func anyArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func dedupe(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
