// Package engine is the memory consolidation engine. It persists messages
// into the graph, derives the working / episodic / semantic views, and folds
// message clusters into Memory nodes.
//
// Every graph call is retried once on store_unavailable. A multi-node write
// (ingest, consolidation) that still fails surfaces as apperr consolidation
// carrying the affected ids; the graph transaction guarantees nothing was
// committed.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/logger"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/retry"
	"github.com/omnii/recall/internal/temporal"
)

// IncomingMessage is a message as submitted by a transport. Mentions arrive
// pre-extracted; ConceptID is ignored and derived from the name.
type IncomingMessage struct {
	ID               string           `json:"id,omitempty"`
	UserID           string           `json:"user_id"`
	Content          string           `json:"content"`
	Channel          memory.Channel   `json:"channel"`
	SourceIdentifier string           `json:"source_identifier,omitempty"`
	IsIncoming       bool             `json:"is_incoming"`
	Timestamp        time.Time        `json:"timestamp"`
	Mentions         []memory.Mention `json:"mentions,omitempty"`
}

// Ingested is the result of IngestMessage.
type Ingested struct {
	Message   memory.ChatMessage `json:"message"`
	Concepts  []memory.Concept   `json:"concepts"`
	Relevance temporal.Relevance `json:"relevance"`
}

type Options struct {
	Config Config
	Scorer *temporal.Scorer
	Clock  func() time.Time
	Logger *logger.Logger
}

// Engine orchestrates ingestion, working-memory views and consolidation.
type Engine struct {
	graph  memory.Graph
	scorer *temporal.Scorer
	cfg    Config
	now    func() time.Time
	log    *logger.Logger
}

// New creates an Engine over graph. A zero Options.Config uses DefaultConfig.
func New(graph memory.Graph, opts Options) *Engine {
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	if opts.Scorer == nil {
		opts.Scorer = temporal.NewScorer(temporal.DefaultConfig())
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Engine{
		graph:  graph,
		scorer: opts.Scorer,
		cfg:    opts.Config,
		now:    opts.Clock,
		log:    opts.Logger.With("component", "engine"),
	}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Graph() memory.Graph { return e.graph }

// IngestMessage validates and persists a message with its concept mentions.
// A missing id is generated; a zero timestamp means now.
func (e *Engine) IngestMessage(ctx context.Context, in IncomingMessage) (Ingested, error) {
	const op = "engine.ingest"

	in, err := validateMessage(in)
	if err != nil {
		return Ingested{}, err
	}
	now := e.now()
	if in.ID == "" {
		in.ID = memory.NewMessageID()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	in.Timestamp = in.Timestamp.UTC().Truncate(time.Millisecond)

	ing := memory.Ingestion{
		Message: memory.ChatMessage{
			ID:               in.ID,
			UserID:           in.UserID,
			Content:          in.Content,
			Channel:          in.Channel,
			SourceIdentifier: in.SourceIdentifier,
			IsIncoming:       in.IsIncoming,
			Timestamp:        in.Timestamp,
		},
		Mentions:  in.Mentions,
		Activate:  activator(in.Timestamp, e.cfg.ActivationHalfLife),
		Associate: associator(e.cfg.AssociationRate),
	}

	type out struct {
		msg      memory.ChatMessage
		concepts []memory.Concept
	}
	res, err := retry.Value(ctx, e.cfg.RetryBackoff, func(ctx context.Context) (out, error) {
		msg, concepts, err := e.graph.Ingest(ctx, ing)
		return out{msg, concepts}, err
	})
	if err != nil {
		if apperr.IsUnavailable(err) {
			e.log.Error("ingest failed after retry", "message_id", in.ID, "user_id", in.UserID, "error", err)
			return Ingested{}, apperr.Consolidation(op, []string{in.ID}, err)
		}
		return Ingested{}, err
	}

	e.log.Debug("message ingested", "message_id", in.ID, "user_id", in.UserID, "concepts", len(res.concepts))
	return Ingested{
		Message:   res.msg,
		Concepts:  res.concepts,
		Relevance: e.scorer.Score(res.msg.Timestamp, now),
	}, nil
}

// UpdateMessageModification stamps a message with last_modified=now and the
// given reason. The reason set is open; it only has to be non-empty.
func (e *Engine) UpdateMessageModification(ctx context.Context, messageID string, reason memory.ModificationReason) (memory.ChatMessage, error) {
	const op = "engine.update_modification"
	if strings.TrimSpace(messageID) == "" {
		return memory.ChatMessage{}, apperr.Validation(op, "message id is required")
	}
	reason = memory.ModificationReason(strings.TrimSpace(string(reason)))
	if reason == "" {
		return memory.ChatMessage{}, apperr.Validation(op, "modification reason is required")
	}
	at := e.now().UTC().Truncate(time.Millisecond)
	return retry.Value(ctx, e.cfg.RetryBackoff, func(ctx context.Context) (memory.ChatMessage, error) {
		return e.graph.MarkModified(ctx, messageID, at, reason)
	})
}

// RelatedConcepts returns the semantic neighbors of a concept up to depth
// hops, strongest association first.
func (e *Engine) RelatedConcepts(ctx context.Context, conceptID string, depth, limit int) ([]memory.Neighbor, error) {
	const op = "engine.related_concepts"
	if strings.TrimSpace(conceptID) == "" {
		return nil, apperr.Validation(op, "concept id is required")
	}
	if depth < 1 || depth > e.cfg.MaxDepth {
		return nil, apperr.Validation(op, "depth must be between 1 and %d", e.cfg.MaxDepth)
	}
	if limit < 0 {
		return nil, apperr.Validation(op, "limit must not be negative")
	}
	return retry.Value(ctx, e.cfg.RetryBackoff, func(ctx context.Context) ([]memory.Neighbor, error) {
		return e.graph.RelatedConcepts(ctx, conceptID, depth, limit)
	})
}

// Ping checks the graph backend.
func (e *Engine) Ping(ctx context.Context) error {
	return e.graph.Ping(ctx)
}
