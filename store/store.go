// Package store defines the document-store collaborator interfaces used by
// the engine. Implementations live in subpackages: store/mongo for the
// production document store, store/gormstore for embedded/dev deployments.
//
// All queries are partitioned by chat id; implementations never share data
// across chats.
package store

import (
	"context"
	"errors"

	"github.com/BaSui01/convoflow/types"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// MessageStore 提供消息文档的读写。
// 消息由传输层写入；引擎只在批量摘要消费时追加 conversation 标记。
type MessageStore interface {
	// Append 写入一条消息（供传输层与测试使用）。
	Append(ctx context.Context, msg *types.Message) error

	// ListRange 返回 [startID, endID] 内的消息，按 MessageID 升序。
	ListRange(ctx context.Context, chatID, startID, endID int64) ([]types.Message, error)

	// ListAfter 返回 MessageID > afterID 的消息，按 MessageID 升序，最多 limit 条。
	ListAfter(ctx context.Context, chatID, afterID int64, limit int) ([]types.Message, error)

	// ListRecent 返回最近的 limit 条消息，按 MessageID 升序。
	ListRecent(ctx context.Context, chatID int64, limit int) ([]types.Message, error)

	// MarkConversation 给 [startID, endID] 内的所有消息追加 conversationID，
	// 返回实际标记的消息数。已包含该 id 的消息不重复追加。
	MarkConversation(ctx context.Context, chatID, startID, endID, conversationID int64) (int64, error)
}

// ConversationStore 提供会话摘要记录的写入与查询。
type ConversationStore interface {
	Insert(ctx context.Context, conv *types.Conversation) error

	// ListRecent 返回最近的 limit 条会话记录，按 ConversationID 升序。
	ListRecent(ctx context.Context, chatID int64, limit int) ([]types.Conversation, error)

	// CountInRange 返回消息区间与 [startID, endID] 相交的会话数量（幂等检查用）。
	CountInRange(ctx context.Context, chatID, startID, endID int64) (int64, error)
}

// PersonStore 提供参与者档案的读写。Thoughts 为只追加日志。
type PersonStore interface {
	// Get 返回参与者档案，不存在时返回 ErrNotFound。
	Get(ctx context.Context, chatID, userID int64) (*types.Person, error)

	// FindByUsername 按用户名查找参与者，不存在时返回 ErrNotFound。
	FindByUsername(ctx context.Context, chatID int64, username string) (*types.Person, error)

	// List 返回 chat 内所有已知参与者。
	List(ctx context.Context, chatID int64) ([]types.Person, error)

	// Upsert 创建或更新基本档案字段（不触碰 Thoughts/Facts）。
	Upsert(ctx context.Context, person *types.Person) error

	// AppendThought 追加一条观点记录。
	AppendThought(ctx context.Context, chatID, userID int64, thought types.PersonThought) error

	// AppendFacts 追加若干事实条目。
	AppendFacts(ctx context.Context, chatID, userID int64, facts []string) error
}

// PromptCacheStore 提供 Prompt 缓存跟踪记录的读写。
type PromptCacheStore interface {
	// FindLive 返回指定 displayName 的未删除记录，不存在时返回 ErrNotFound。
	FindLive(ctx context.Context, displayName string) (*types.PromptCacheRecord, error)

	Insert(ctx context.Context, rec *types.PromptCacheRecord) error

	// SoftDelete 标记记录为已删除（幂等）。
	SoftDelete(ctx context.Context, displayName string) error
}

// BatchJobStore 提供批量作业记录的读写。
type BatchJobStore interface {
	Insert(ctx context.Context, job *types.BatchJob) error

	// Update 以 (ChatID, ID) 为键整体覆盖作业记录。
	Update(ctx context.Context, job *types.BatchJob) error

	// Get 返回指定作业，不存在时返回 ErrNotFound。
	Get(ctx context.Context, chatID, id int64) (*types.BatchJob, error)

	// ListPending 返回所有未达终态或未完成摄取的作业。
	ListPending(ctx context.Context, chatID int64) ([]types.BatchJob, error)

	// MaxEndMessageID 返回该 chat 所有作业覆盖的最大消息 id（无作业时为 0）。
	// prepare 以此为水位线，避免与待处理批次的消息区间重叠。
	MaxEndMessageID(ctx context.Context, chatID int64) (int64, error)
}

// Sequences 提供按 (chat, name) 的单调递增序号分配。
type Sequences interface {
	Next(ctx context.Context, chatID int64, name string) (int64, error)
}

// Store 聚合引擎需要的全部存储接口。
type Store interface {
	Messages() MessageStore
	Conversations() ConversationStore
	Persons() PersonStore
	PromptCaches() PromptCacheStore
	BatchJobs() BatchJobStore
	Sequences() Sequences

	// Close 释放底层连接。
	Close(ctx context.Context) error
}

// Sequence names used by the engine.
const (
	SeqConversation = "conversation"
	SeqBatchJob     = "batch_job"
)
