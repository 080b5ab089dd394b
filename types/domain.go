// Package types provides core domain entities shared across the engine.
// This package has ZERO dependencies on other convoflow packages to avoid
// circular imports.
package types

import (
	"time"
)

// Quality is a named cost/capability tier for model calls.
type Quality string

const (
	QualityLow      Quality = "low"
	QualityRegular  Quality = "regular"
	QualityAdvanced Quality = "advanced"
)

// Message is a single chat message. Messages are created by the transport
// collaborator on ingestion and are immutable afterwards, except that
// ConversationIDs may be appended when the message is consumed by batch
// summarization.
type Message struct {
	ChatID           int64     `json:"chat_id" bson:"chat_id"`
	MessageID        int64     `json:"message_id" bson:"message_id"`
	UserID           int64     `json:"user_id" bson:"user_id"`
	Text             string    `json:"text" bson:"text"`
	Date             time.Time `json:"date" bson:"date"`
	ReplyToMessageID int64     `json:"reply_to_message_id,omitempty" bson:"reply_to_message_id,omitempty"`
	ConversationIDs  []int64   `json:"conversation_ids,omitempty" bson:"conversation_ids,omitempty"`
}

// Conversation is a summarized slice of chat history produced by the batch
// summarization pipeline. Immutable after creation.
// Invariant: MessageStartID <= MessageEndID.
type Conversation struct {
	ChatID         int64     `json:"chat_id" bson:"chat_id"`
	ConversationID int64     `json:"conversation_id" bson:"conversation_id"`
	Title          string    `json:"title" bson:"title"`
	Summary        string    `json:"summary" bson:"summary"`
	Weight         int       `json:"weight" bson:"weight"` // 1-10
	MessageStartID int64     `json:"message_start_id" bson:"message_start_id"`
	MessageEndID   int64     `json:"message_end_id" bson:"message_end_id"`
	ParticipantIDs []int64   `json:"participant_ids" bson:"participant_ids"`
	Date           time.Time `json:"date" bson:"date"`
}

// Factor is a named attitude metric attached to a PersonThought.
type Factor struct {
	Name  string `json:"name" bson:"name"`
	Value int    `json:"value" bson:"value"` // clamped 1-10
}

// PersonThought is one entry in a participant's append-only opinion log.
// Thoughts are never deleted or edited.
type PersonThought struct {
	Thought         string    `json:"thought" bson:"thought"`
	OpinionModifier int       `json:"opinion_modifier" bson:"opinion_modifier"`
	Weight          int       `json:"weight" bson:"weight"` // clamped 1-10
	Factors         []Factor  `json:"factors,omitempty" bson:"factors,omitempty"`
	Date            time.Time `json:"date" bson:"date"`
}

// Person is the durable per-participant record owned by a chat.
type Person struct {
	ChatID   int64           `json:"chat_id" bson:"chat_id"`
	UserID   int64           `json:"user_id" bson:"user_id"`
	Username string          `json:"username,omitempty" bson:"username,omitempty"`
	Thoughts []PersonThought `json:"thoughts,omitempty" bson:"thoughts,omitempty"`
	Facts    []string        `json:"facts,omitempty" bson:"facts,omitempty"`
}

// PromptCacheRecord tracks a provider-side prompt cache. At most one live
// (non-expired, non-deleted) record exists per DisplayName; invalidation is
// a soft delete so the history of cache churn stays queryable.
type PromptCacheRecord struct {
	ChatID         int64     `json:"chat_id" bson:"chat_id"`
	DisplayName    string    `json:"display_name" bson:"display_name"`
	ProviderName   string    `json:"provider_name" bson:"provider_name"`
	Model          string    `json:"model" bson:"model"`
	ExpiresAt      time.Time `json:"expires_at" bson:"expires_at"`
	StartMessageID int64     `json:"start_message_id" bson:"start_message_id"`
	EndMessageID   int64     `json:"end_message_id" bson:"end_message_id"`
	Deleted        bool      `json:"deleted" bson:"deleted"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// BatchState is the lifecycle state of a provider batch job.
type BatchState string

const (
	BatchStateScanned   BatchState = "SCANNED"
	BatchStatePrepared  BatchState = "PREPARED"
	BatchStateSubmitted BatchState = "SUBMITTED"
	BatchStateQueued    BatchState = "QUEUED"
	BatchStateRunning   BatchState = "RUNNING"
	BatchStateSucceeded BatchState = "SUCCEEDED"
	BatchStateFailed    BatchState = "FAILED"
	BatchStateCancelled BatchState = "CANCELLED"
	BatchStateExpired   BatchState = "EXPIRED"
)

// Terminal reports whether the state is final (no further polling).
func (s BatchState) Terminal() bool {
	switch s {
	case BatchStateSucceeded, BatchStateFailed, BatchStateCancelled, BatchStateExpired:
		return true
	}
	return false
}

// InProgress reports whether the provider is still working on the job.
func (s BatchState) InProgress() bool {
	switch s {
	case BatchStateSubmitted, BatchStateQueued, BatchStateRunning:
		return true
	}
	return false
}

// ProviderJob holds the provider-side identity and progress of a batch job.
type ProviderJob struct {
	ProviderName string     `json:"provider_name" bson:"provider_name"`
	DisplayName  string     `json:"display_name" bson:"display_name"`
	State        BatchState `json:"state" bson:"state"`
	StartedAt    *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// BatchJob is one submission of the batch summarization pipeline.
// Processed guards ingestion: a SUCCEEDED job is ingested exactly once,
// re-polling an already-processed job is a no-op.
type BatchJob struct {
	ID             int64        `json:"id" bson:"id"` // per-chat sequence
	ChatID         int64        `json:"chat_id" bson:"chat_id"`
	InputLocation  string       `json:"input_location" bson:"input_location"`
	OutputLocation string       `json:"output_location" bson:"output_location"`
	Job            *ProviderJob `json:"job,omitempty" bson:"job,omitempty"`
	StartMessageID int64        `json:"start_message_id" bson:"start_message_id"`
	EndMessageID   int64        `json:"end_message_id" bson:"end_message_id"`
	Processed      bool         `json:"processed" bson:"processed"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
}

// State returns the effective lifecycle state of the job.
func (j *BatchJob) State() BatchState {
	if j.Job == nil {
		return BatchStatePrepared
	}
	return j.Job.State
}

// Reserved strategy codes.
const (
	// StrategyConversation 为默认回退策略。
	StrategyConversation = "conversation"
	// StrategyIgnore 表示不产生任何回复，调用方必须短路处理。
	StrategyIgnore = "ignore"
)

// AnswerStrategy describes one way of responding to a classified message.
type AnswerStrategy struct {
	Code                      string  `json:"code" yaml:"code"`
	ClassificationDescription string  `json:"classification_description" yaml:"classification_description"`
	ResponsePrompt            string  `json:"response_prompt" yaml:"response_prompt"`
	Quality                   Quality `json:"quality" yaml:"quality"`
}

// ClampWeight bounds a 1-10 weight value. Used by batch ingestion for
// conversation weights, thought weights and attitude factors.
func ClampWeight(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
