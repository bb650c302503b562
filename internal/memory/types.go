// Package memory defines the graph-resident entities of the three-tier memory
// model and the storage-agnostic Graph interface the engine runs against.
//
// Nodes: User, ChatMessage, Concept, Memory.
// Edges: User-OWNS->ChatMessage, ChatMessage-MENTIONS->Concept,
// Concept-RELATED_TO->Concept, ChatMessage-HAS_MEMORY->Memory.
package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelSMS       Channel = "sms"
	ChannelChat      Channel = "chat"
	ChannelWebSocket Channel = "websocket"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelChat, ChannelWebSocket:
		return true
	}
	return false
}

// ModificationReason records why a message was touched after ingestion.
// The set is open; these are the reasons the engine itself writes.
type ModificationReason string

const (
	ReasonConceptUpdate      ModificationReason = "concept_update"
	ReasonRelationshipChange ModificationReason = "relationship_change"
	ReasonImportanceRecalc   ModificationReason = "importance_recalc"
	ReasonConsolidation      ModificationReason = "consolidation"
)

type MemoryType string

const (
	MemoryEpisodic MemoryType = "episodic"
	MemorySemantic MemoryType = "semantic"
)

type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Content            string             `json:"content"`
	Channel            Channel            `json:"channel"`
	SourceIdentifier   string             `json:"source_identifier,omitempty"`
	IsIncoming         bool               `json:"is_incoming"`
	Timestamp          time.Time          `json:"timestamp"`
	LastModified       *time.Time         `json:"last_modified,omitempty"`
	ModificationReason ModificationReason `json:"modification_reason,omitempty"`
}

type Concept struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Name               string    `json:"name"`
	ActivationStrength float64   `json:"activation_strength"`
	MentionCount       int       `json:"mention_count"`
	LastMentioned      time.Time `json:"last_mentioned"`
	SemanticWeight     float64   `json:"semantic_weight"`
	Version            int64     `json:"version"`
}

// Mention is one concept detected in a message by an upstream extractor.
// Strength is the extraction confidence.
type Mention struct {
	ConceptID string  `json:"concept_id"`
	Name      string  `json:"name"`
	Strength  float64 `json:"strength"`
}

// Neighbor is a concept reached by RELATED_TO traversal. AssociationStrength
// is the strongest path product from the origin; Depth is the hop count of
// that path.
type Neighbor struct {
	Concept             Concept `json:"concept"`
	AssociationStrength float64 `json:"association_strength"`
	Depth               int     `json:"depth"`
}

type Memory struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	Type                  MemoryType `json:"memory_type"`
	Summary               string     `json:"summary"`
	ConsolidationStrength float64    `json:"consolidation_strength"`
	MessageIDs            []string   `json:"message_ids"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Episode is a request to fold a message cluster into one Memory node.
type Episode struct {
	UserID     string
	MessageIDs []string
	Summary    string
	Strength   float64
	At         time.Time
}

// Ingestion carries everything Graph.Ingest writes in one transaction.
// Activate and Associate are evaluated inside the transaction against the
// stored state, so concurrent writers never lose an update.
type Ingestion struct {
	Message  ChatMessage
	Mentions []Mention

	// Activate returns the concept's next state given its stored state
	// (nil on first mention).
	Activate func(prev *Concept, m Mention) Concept

	// Associate returns the next RELATED_TO strength for a co-mentioned pair.
	Associate func(prev float64, a, b Mention) float64
}

var namespace = uuid.MustParse("6f1c3a52-4d0e-4b8e-9a57-0c6f6d1f7a10")

// NormalizeName folds a concept name to its identity form.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// ConceptID is stable per (user, normalized name).
func ConceptID(userID, name string) string {
	return uuid.NewSHA1(namespace, []byte("concept|"+userID+"|"+NormalizeName(name))).String()
}

// MemoryID is stable per (user, message set), independent of order.
func MemoryID(userID string, messageIDs []string) string {
	ids := append([]string(nil), messageIDs...)
	sort.Strings(ids)
	return uuid.NewSHA1(namespace, []byte("memory|"+userID+"|"+strings.Join(ids, ","))).String()
}

// NewMessageID returns a random message id.
func NewMessageID() string {
	return uuid.NewString()
}

// Clamp01 bounds every strength-like value stored in the graph.
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
