package graphdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/memory"
)

var _ memory.Graph = (*Graph)(nil)

// maxDepth caps variable-length RELATED_TO patterns. Depth is interpolated
// into the query text, so it is bounded here.
const maxDepth = 5

type ingestResult struct {
	msg      memory.ChatMessage
	concepts []memory.Concept
}

func (g *Graph) Ingest(ctx context.Context, in memory.Ingestion) (memory.ChatMessage, []memory.Concept, error) {
	const op = "graphdb.ingest"
	m := in.Message

	out, err := g.write(ctx, "ingest", func(tx neo4j.ManagedTransaction) (any, error) {
		recs, err := collect(ctx, tx, `MATCH (m:ChatMessage {id: $id}) RETURN count(m) AS n`, map[string]any{"id": m.ID})
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 && i64(recs[0], "n") > 0 {
			return nil, apperr.Validation(op, "message %s already ingested", m.ID)
		}

		var source any
		if m.SourceIdentifier != "" {
			source = m.SourceIdentifier
		}
		if err := exec(ctx, tx, `
			MERGE (u:User {id: $user_id})
			ON CREATE SET u.created_at = $ts
			CREATE (m:ChatMessage {
				id: $id, user_id: $user_id, content: $content, channel: $channel,
				source_identifier: $source, is_incoming: $incoming, timestamp: $ts
			})
			CREATE (u)-[:OWNS]->(m)
		`, map[string]any{
			"id": m.ID, "user_id": m.UserID, "content": m.Content, "channel": string(m.Channel),
			"source": source, "incoming": m.IsIncoming, "ts": millis(m.Timestamp),
		}); err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}

		res := ingestResult{msg: m}
		for _, mention := range in.Mentions {
			c, err := upsertConcept(ctx, tx, m.UserID, mention, in.Activate)
			if err != nil {
				return nil, err
			}
			if err := exec(ctx, tx, `
				MATCH (m:ChatMessage {id: $message_id}), (c:Concept {id: $concept_id})
				MERGE (m)-[r:MENTIONS]->(c)
				ON CREATE SET r.strength = $strength
			`, map[string]any{
				"message_id": m.ID, "concept_id": c.ID, "strength": memory.Clamp01(mention.Strength),
			}); err != nil {
				return nil, fmt.Errorf("mention: %w", err)
			}
			res.concepts = append(res.concepts, c)
		}

		if in.Associate != nil {
			for i := 0; i < len(in.Mentions); i++ {
				for j := i + 1; j < len(in.Mentions); j++ {
					if err := associate(ctx, tx, in.Mentions[i], in.Mentions[j], in.Associate, millis(m.Timestamp)); err != nil {
						return nil, err
					}
				}
			}
		}
		return res, nil
	})
	if err != nil {
		return memory.ChatMessage{}, nil, err
	}
	res := out.(ingestResult)
	return res.msg, res.concepts, nil
}

func upsertConcept(ctx context.Context, tx neo4j.ManagedTransaction, userID string, m memory.Mention,
	activate func(*memory.Concept, memory.Mention) memory.Concept) (memory.Concept, error) {
	recs, err := collect(ctx, tx, `MATCH (c:Concept {id: $id}) RETURN `+conceptReturn, map[string]any{"id": m.ConceptID})
	if err != nil {
		return memory.Concept{}, fmt.Errorf("load concept: %w", err)
	}
	var prev *memory.Concept
	if len(recs) > 0 {
		c := toConcept(recs[0])
		prev = &c
	}

	next := activate(prev, m)
	next.ID, next.UserID = m.ConceptID, userID
	next.ActivationStrength = memory.Clamp01(next.ActivationStrength)
	next.SemanticWeight = memory.Clamp01(next.SemanticWeight)
	params := map[string]any{
		"id": next.ID, "user_id": userID, "name": next.Name,
		"activation": next.ActivationStrength, "count": int64(next.MentionCount),
		"last": millis(next.LastMentioned), "weight": next.SemanticWeight,
	}

	if prev == nil {
		if err := exec(ctx, tx, `
			CREATE (c:Concept {
				id: $id, user_id: $user_id, name: $name, activation_strength: $activation,
				mention_count: $count, last_mentioned: $last, semantic_weight: $weight, version: 1
			})
		`, params); err != nil {
			return memory.Concept{}, fmt.Errorf("create concept: %w", err)
		}
		next.Version = 1
		return next, nil
	}

	params["version"] = prev.Version
	recs, err = collect(ctx, tx, `
		MATCH (c:Concept {id: $id}) WHERE c.version = $version
		SET c.activation_strength = $activation, c.mention_count = $count,
			c.last_mentioned = $last, c.semantic_weight = $weight, c.version = c.version + 1
		RETURN count(c) AS n
	`, params)
	if err != nil {
		return memory.Concept{}, fmt.Errorf("update concept: %w", err)
	}
	if len(recs) == 0 || i64(recs[0], "n") == 0 {
		return memory.Concept{}, memory.ErrVersionConflict
	}
	next.Name = prev.Name
	next.Version = prev.Version + 1
	return next, nil
}

func associate(ctx context.Context, tx neo4j.ManagedTransaction, a, b memory.Mention,
	fn func(float64, memory.Mention, memory.Mention) float64, now int64) error {
	if a.ConceptID == b.ConceptID {
		return nil
	}
	recs, err := collect(ctx, tx, `
		MATCH (:Concept {id: $a})-[r:RELATED_TO]->(:Concept {id: $b})
		RETURN r.association_strength AS strength
	`, map[string]any{"a": a.ConceptID, "b": b.ConceptID})
	if err != nil {
		return fmt.Errorf("load relation: %w", err)
	}
	var prev float64
	if len(recs) > 0 {
		prev = f64(recs[0], "strength")
	}

	// Both directions carry the same weight.
	err = exec(ctx, tx, `
		MATCH (a:Concept {id: $a}), (b:Concept {id: $b})
		MERGE (a)-[r1:RELATED_TO]->(b)
		SET r1.association_strength = $strength, r1.updated_at = $now
		MERGE (b)-[r2:RELATED_TO]->(a)
		SET r2.association_strength = $strength, r2.updated_at = $now
	`, map[string]any{"a": a.ConceptID, "b": b.ConceptID, "strength": memory.Clamp01(fn(prev, a, b)), "now": now})
	if err != nil {
		return fmt.Errorf("upsert relation: %w", err)
	}
	return nil
}

func (g *Graph) GetMessages(ctx context.Context, ids []string) ([]memory.ChatMessage, error) {
	const op = "graphdb.get_messages"
	if len(ids) == 0 {
		return nil, nil
	}
	out, err := g.read(ctx, "get_messages", func(tx neo4j.ManagedTransaction) (any, error) {
		recs, err := collect(ctx, tx, `MATCH (m:ChatMessage) WHERE m.id IN $ids RETURN `+messageReturn,
			map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		byID := make(map[string]memory.ChatMessage, len(recs))
		for _, r := range recs {
			msg := toMessage(r)
			byID[msg.ID] = msg
		}
		return byID, nil
	})
	if err != nil {
		return nil, err
	}
	byID := out.(map[string]memory.ChatMessage)
	msgs := make([]memory.ChatMessage, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			return nil, apperr.NotFound(op, "message %s", id)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (g *Graph) messages(ctx context.Context, op, cypher string, params map[string]any) ([]memory.ChatMessage, error) {
	out, err := g.read(ctx, op, func(tx neo4j.ManagedTransaction) (any, error) {
		recs, err := collect(ctx, tx, cypher, params)
		if err != nil {
			return nil, err
		}
		msgs := make([]memory.ChatMessage, 0, len(recs))
		for _, r := range recs {
			msgs = append(msgs, toMessage(r))
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]memory.ChatMessage), nil
}

func (g *Graph) MessagesBetween(ctx context.Context, userID string, from, to time.Time) ([]memory.ChatMessage, error) {
	return g.messages(ctx, "messages_between", `
		MATCH (:User {id: $user_id})-[:OWNS]->(m:ChatMessage)
		WHERE m.timestamp >= $from AND m.timestamp <= $to
		RETURN `+messageReturn+`
		ORDER BY m.timestamp ASC, m.id ASC
	`, map[string]any{"user_id": userID, "from": millis(from), "to": millis(to)})
}

func (g *Graph) MessagesModifiedSince(ctx context.Context, userID string, since time.Time) ([]memory.ChatMessage, error) {
	return g.messages(ctx, "messages_modified_since", `
		MATCH (:User {id: $user_id})-[:OWNS]->(m:ChatMessage)
		WHERE m.last_modified IS NOT NULL AND m.last_modified >= $since
		RETURN `+messageReturn+`
		ORDER BY m.last_modified DESC, m.id ASC
	`, map[string]any{"user_id": userID, "since": millis(since)})
}

func (g *Graph) MarkModified(ctx context.Context, messageID string, at time.Time, reason memory.ModificationReason) (memory.ChatMessage, error) {
	const op = "graphdb.mark_modified"
	msgs, err := g.messagesWrite(ctx, "mark_modified", `
		MATCH (m:ChatMessage {id: $id})
		SET m.last_modified = $at, m.modification_reason = $reason
		RETURN `+messageReturn,
		map[string]any{"id": messageID, "at": millis(at), "reason": string(reason)})
	if err != nil {
		return memory.ChatMessage{}, err
	}
	if len(msgs) == 0 {
		return memory.ChatMessage{}, apperr.NotFound(op, "message %s", messageID)
	}
	return msgs[0], nil
}

func (g *Graph) messagesWrite(ctx context.Context, op, cypher string, params map[string]any) ([]memory.ChatMessage, error) {
	out, err := g.write(ctx, op, func(tx neo4j.ManagedTransaction) (any, error) {
		recs, err := collect(ctx, tx, cypher, params)
		if err != nil {
			return nil, err
		}
		msgs := make([]memory.ChatMessage, 0, len(recs))
		for _, r := range recs {
			msgs = append(msgs, toMessage(r))
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]memory.ChatMessage), nil
}

func (g *Graph) concepts(ctx context.Context, op, cypher string, params map[string]any) ([]memory.Concept, error) {
	out, err := g.read(ctx, op, func(tx neo4j.ManagedTransaction) (any, error) {
		recs, err := collect(ctx, tx, cypher, params)
		if err != nil {
			return nil, err
		}
		cs := make([]memory.Concept, 0, len(recs))
		for _, r := range recs {
			cs = append(cs, toConcept(r))
		}
		return cs, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]memory.Concept), nil
}

func (g *Graph) GetConcept(ctx context.Context, id string) (memory.Concept, error) {
	cs, err := g.concepts(ctx, "get_concept", `MATCH (c:Concept {id: $id}) RETURN `+conceptReturn,
		map[string]any{"id": id})
	if err != nil {
		return memory.Concept{}, err
	}
	if len(cs) == 0 {
		return memory.Concept{}, apperr.NotFound("graphdb.get_concept", "concept %s", id)
	}
	return cs[0], nil
}

func (g *Graph) ConceptsForUser(ctx context.Context, userID string, limit int) ([]memory.Concept, error) {
	cypher := `MATCH (c:Concept {user_id: $user_id}) RETURN ` + conceptReturn + `
		ORDER BY c.activation_strength DESC, c.last_mentioned DESC`
	params := map[string]any{"user_id": userID}
	if limit > 0 {
		cypher += ` LIMIT $limit`
		params["limit"] = int64(limit)
	}
	return g.concepts(ctx, "concepts_for_user", cypher, params)
}

func (g *Graph) MentionsFor(ctx context.Context, messageIDs []string) (map[string][]memory.Mention, error) {
	if len(messageIDs) == 0 {
		return map[string][]memory.Mention{}, nil
	}
	out, err := g.read(ctx, "mentions_for", func(tx neo4j.ManagedTransaction) (any, error) {
		recs, err := collect(ctx, tx, `
			MATCH (m:ChatMessage)-[r:MENTIONS]->(c:Concept)
			WHERE m.id IN $ids
			RETURN m.id AS message_id, c.id AS concept_id, c.name AS name, r.strength AS strength
			ORDER BY message_id, strength DESC
		`, map[string]any{"ids": messageIDs})
		if err != nil {
			return nil, err
		}
		byMsg := make(map[string][]memory.Mention, len(messageIDs))
		for _, r := range recs {
			id := str(r, "message_id")
			byMsg[id] = append(byMsg[id], memory.Mention{
				ConceptID: str(r, "concept_id"),
				Name:      str(r, "name"),
				Strength:  f64(r, "strength"),
			})
		}
		return byMsg, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string][]memory.Mention), nil
}

// RelatedConcepts keeps, per reachable concept, the path with the highest
// product of association strengths; ties go to the shorter path.
func (g *Graph) RelatedConcepts(ctx context.Context, conceptID string, depth, limit int) ([]memory.Neighbor, error) {
	const op = "graphdb.related_concepts"
	if depth < 1 || depth > maxDepth {
		return nil, apperr.Validation(op, "depth must be between 1 and %d", maxDepth)
	}
	if _, err := g.GetConcept(ctx, conceptID); err != nil {
		return nil, err
	}

	cypher := fmt.Sprintf(`
		MATCH p = (start:Concept {id: $id})-[:RELATED_TO*1..%d]->(c:Concept)
		WHERE c.id <> $id
		WITH c, length(p) AS depth,
			reduce(s = 1.0, r IN relationships(p) | s * r.association_strength) AS strength
		ORDER BY strength DESC, depth ASC
		WITH c, collect({strength: strength, depth: depth})[0] AS best
		RETURN `+conceptReturn+`, best.strength AS path_strength, best.depth AS path_depth
	`, depth)

	out, err := g.read(ctx, "related_concepts", func(tx neo4j.ManagedTransaction) (any, error) {
		recs, err := collect(ctx, tx, cypher, map[string]any{"id": conceptID})
		if err != nil {
			return nil, err
		}
		ns := make([]memory.Neighbor, 0, len(recs))
		for _, r := range recs {
			ns = append(ns, memory.Neighbor{
				Concept:             toConcept(r),
				AssociationStrength: memory.Clamp01(f64(r, "path_strength")),
				Depth:               int(i64(r, "path_depth")),
			})
		}
		return ns, nil
	})
	if err != nil {
		return nil, err
	}
	ns := out.([]memory.Neighbor)
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
	if limit > 0 && len(ns) > limit {
		ns = ns[:limit]
	}
	return ns, nil
}

type consolidateResult struct {
	mem     memory.Memory
	created bool
}

func (g *Graph) Consolidate(ctx context.Context, ep memory.Episode) (memory.Memory, bool, error) {
	const op = "graphdb.consolidate"
	ids := dedupe(ep.MessageIDs)
	memID := memory.MemoryID(ep.UserID, ids)
	strength := memory.Clamp01(ep.Strength)
	at := millis(ep.At)

	out, err := g.write(ctx, "consolidate", func(tx neo4j.ManagedTransaction) (any, error) {
		existing, err := collect(ctx, tx, `
			MATCH (mem:Memory {id: $id})
			OPTIONAL MATCH (m:ChatMessage)-[:HAS_MEMORY]->(mem)
			WITH mem, m ORDER BY m.id
			RETURN `+memoryReturn+`, collect(m.id) AS message_ids
		`, map[string]any{"id": memID})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return consolidateResult{mem: toMemory(existing[0])}, nil
		}

		recs, err := collect(ctx, tx, `
			MATCH (m:ChatMessage) WHERE m.id IN $ids RETURN m.id AS id, m.user_id AS user_id
		`, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		owners := make(map[string]string, len(recs))
		for _, r := range recs {
			owners[str(r, "id")] = str(r, "user_id")
		}
		for _, id := range ids {
			owner, ok := owners[id]
			if !ok {
				return nil, apperr.NotFound(op, "message %s", id)
			}
			if owner != ep.UserID {
				return nil, apperr.Validation(op, "message %s does not belong to user", id)
			}
		}

		if err := exec(ctx, tx, `
			CREATE (mem:Memory {
				id: $id, user_id: $user_id, memory_type: $type, summary: $summary,
				consolidation_strength: $strength, created_at: $at
			})
			WITH mem
			UNWIND $ids AS mid
			MATCH (m:ChatMessage {id: mid})
			MERGE (m)-[r:HAS_MEMORY]->(mem)
			ON CREATE SET r.consolidation_strength = $strength
			SET m.last_modified = $at, m.modification_reason = $reason
		`, map[string]any{
			"id": memID, "user_id": ep.UserID, "type": string(memory.MemoryEpisodic),
			"summary": ep.Summary, "strength": strength, "at": at, "ids": ids,
			"reason": string(memory.ReasonConsolidation),
		}); err != nil {
			return nil, fmt.Errorf("create memory: %w", err)
		}

		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		return consolidateResult{created: true, mem: memory.Memory{
			ID:                    memID,
			UserID:                ep.UserID,
			Type:                  memory.MemoryEpisodic,
			Summary:               ep.Summary,
			ConsolidationStrength: strength,
			MessageIDs:            sorted,
			CreatedAt:             fromMillis(at),
		}}, nil
	})
	if err != nil {
		return memory.Memory{}, false, err
	}
	res := out.(consolidateResult)
	if res.created {
		g.metrics.MemoryCreated()
	}
	return res.mem, res.created, nil
}

func (g *Graph) MemoriesForUser(ctx context.Context, userID string, limit int) ([]memory.Memory, error) {
	cypher := `
		MATCH (mem:Memory {user_id: $user_id})
		OPTIONAL MATCH (m:ChatMessage)-[:HAS_MEMORY]->(mem)
		WITH mem, m ORDER BY m.id
		WITH mem, collect(m.id) AS message_ids
		RETURN ` + memoryReturn + `, message_ids
		ORDER BY mem.created_at DESC, mem.id ASC`
	params := map[string]any{"user_id": userID}
	if limit > 0 {
		cypher += ` LIMIT $limit`
		params["limit"] = int64(limit)
	}
	out, err := g.read(ctx, "memories_for_user", func(tx neo4j.ManagedTransaction) (any, error) {
		recs, err := collect(ctx, tx, cypher, params)
		if err != nil {
			return nil, err
		}
		mems := make([]memory.Memory, 0, len(recs))
		for _, r := range recs {
			mems = append(mems, toMemory(r))
		}
		return mems, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]memory.Memory), nil
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
