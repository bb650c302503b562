package memory

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is wrapped into a store_unavailable error when an
// optimistic concept update loses a race, so the caller's single retry
// re-reads the winner's state.
var ErrVersionConflict = errors.New("concept version conflict")

// Graph is the labeled-property graph the engine persists into. Every
// mutating method is one atomic transaction. Missing entities surface as
// apperr not_found; backend failures as apperr store_unavailable.
type Graph interface {
	// Ingest writes the message, its OWNS edge, MENTIONS edges, concept
	// activation updates and RELATED_TO co-occurrence edges.
	Ingest(ctx context.Context, in Ingestion) (ChatMessage, []Concept, error)

	// GetMessages returns the messages with the given ids, in input order.
	GetMessages(ctx context.Context, ids []string) ([]ChatMessage, error)

	// MessagesBetween returns a user's messages with from <= timestamp <= to,
	// oldest first.
	MessagesBetween(ctx context.Context, userID string, from, to time.Time) ([]ChatMessage, error)

	// MessagesModifiedSince returns a user's messages with last_modified >= since.
	MessagesModifiedSince(ctx context.Context, userID string, since time.Time) ([]ChatMessage, error)

	MarkModified(ctx context.Context, messageID string, at time.Time, reason ModificationReason) (ChatMessage, error)

	GetConcept(ctx context.Context, id string) (Concept, error)

	// ConceptsForUser returns up to limit concepts by stored activation, highest first.
	ConceptsForUser(ctx context.Context, userID string, limit int) ([]Concept, error)

	// MentionsFor returns the MENTIONS edges of each message, keyed by message id.
	MentionsFor(ctx context.Context, messageIDs []string) (map[string][]Mention, error)

	// RelatedConcepts walks RELATED_TO edges up to depth hops from conceptID.
	RelatedConcepts(ctx context.Context, conceptID string, depth, limit int) ([]Neighbor, error)

	// Consolidate creates the Memory node for an episode and links its
	// messages. Re-consolidating the same message set returns the existing
	// node with created=false and writes nothing.
	Consolidate(ctx context.Context, ep Episode) (mem Memory, created bool, err error)

	// MemoriesForUser returns up to limit memories, newest first.
	MemoriesForUser(ctx context.Context, userID string, limit int) ([]Memory, error)

	Ping(ctx context.Context) error
	Close() error
}
