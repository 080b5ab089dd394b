// Package gormstore 基于 GORM 的文档存储实现，用于嵌入式与开发环境。
//
// 切片与嵌套结构通过 JSON 序列化落到单列，驱动支持 sqlite（纯 Go）与 postgres。
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// Config 关系库连接配置。
type Config struct {
	// Driver 取值 sqlite 或 postgres。
	Driver string `yaml:"driver" json:"driver"`
	// DSN 连接串；sqlite 下为文件路径，":memory:" 表示内存库。
	DSN string `yaml:"dsn" json:"dsn"`
}

// DefaultConfig 返回默认配置（内存 sqlite）。
func DefaultConfig() Config {
	return Config{Driver: "sqlite", DSN: ":memory:"}
}

type messageRow struct {
	PK              int64   `gorm:"primaryKey;autoIncrement"`
	ChatID          int64   `gorm:"index:idx_msg_chat_id,priority:1"`
	MessageID       int64   `gorm:"index:idx_msg_chat_id,priority:2"`
	UserID          int64
	Text            string
	Date            time.Time
	ReplyToMessageID int64
	ConversationIDs []int64 `gorm:"serializer:json"`
}

func (messageRow) TableName() string { return "messages" }

type conversationRow struct {
	PK             int64 `gorm:"primaryKey;autoIncrement"`
	ChatID         int64 `gorm:"index:idx_conv_chat_id,priority:1"`
	ConversationID int64 `gorm:"index:idx_conv_chat_id,priority:2"`
	Title          string
	Summary        string
	Weight         int
	MessageStartID int64
	MessageEndID   int64
	ParticipantIDs []int64 `gorm:"serializer:json"`
	Date           time.Time
}

func (conversationRow) TableName() string { return "conversations" }

type personRow struct {
	PK       int64 `gorm:"primaryKey;autoIncrement"`
	ChatID   int64 `gorm:"uniqueIndex:idx_person_chat_user,priority:1"`
	UserID   int64 `gorm:"uniqueIndex:idx_person_chat_user,priority:2"`
	Username string
	Thoughts []types.PersonThought `gorm:"serializer:json"`
	Facts    []string              `gorm:"serializer:json"`
}

func (personRow) TableName() string { return "persons" }

type promptCacheRow struct {
	PK             int64  `gorm:"primaryKey;autoIncrement"`
	ChatID         int64
	DisplayName    string `gorm:"index"`
	ProviderName   string
	Model          string
	ExpiresAt      time.Time
	StartMessageID int64
	EndMessageID   int64
	Deleted        bool
	CreatedAt      time.Time
}

func (promptCacheRow) TableName() string { return "prompt_caches" }

type batchJobRow struct {
	PK             int64 `gorm:"primaryKey;autoIncrement"`
	ID             int64 `gorm:"uniqueIndex:idx_batch_chat_id,priority:2"`
	ChatID         int64 `gorm:"uniqueIndex:idx_batch_chat_id,priority:1"`
	InputLocation  string
	OutputLocation string
	Job            *types.ProviderJob `gorm:"serializer:json"`
	StartMessageID int64
	EndMessageID   int64
	Processed      bool
	CreatedAt      time.Time
}

func (batchJobRow) TableName() string { return "batch_jobs" }

type counterRow struct {
	ChatID int64  `gorm:"primaryKey"`
	Name   string `gorm:"primaryKey"`
	Value  int64
}

func (counterRow) TableName() string { return "counters" }

// Store 是 store.Store 的 GORM 实现。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New 打开数据库并迁移表结构。
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&messageRow{}, &conversationRow{}, &personRow{},
		&promptCacheRow{}, &batchJobRow{}, &counterRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	logger.Info("gorm store ready", zap.String("driver", cfg.Driver))
	return &Store{db: db, logger: logger.With(zap.String("component", "gorm_store"))}, nil
}

func (s *Store) Messages() store.MessageStore           { return (*messageStore)(s) }
func (s *Store) Conversations() store.ConversationStore { return (*conversationStore)(s) }
func (s *Store) Persons() store.PersonStore             { return (*personStore)(s) }
func (s *Store) PromptCaches() store.PromptCacheStore   { return (*promptCacheStore)(s) }
func (s *Store) BatchJobs() store.BatchJobStore         { return (*batchJobStore)(s) }
func (s *Store) Sequences() store.Sequences             { return (*sequenceStore)(s) }

func (s *Store) Close(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// ====== MessageStore ======

type messageStore Store

func toMessageRow(m *types.Message) *messageRow {
	return &messageRow{
		ChatID:          m.ChatID,
		MessageID:       m.MessageID,
		UserID:          m.UserID,
		Text:            m.Text,
		Date:            m.Date,
		ReplyToMessageID: m.ReplyToMessageID,
		ConversationIDs: m.ConversationIDs,
	}
}

func fromMessageRow(r *messageRow) types.Message {
	return types.Message{
		ChatID:          r.ChatID,
		MessageID:       r.MessageID,
		UserID:          r.UserID,
		Text:            r.Text,
		Date:            r.Date,
		ReplyToMessageID: r.ReplyToMessageID,
		ConversationIDs: r.ConversationIDs,
	}
}

func (s *messageStore) Append(ctx context.Context, msg *types.Message) error {
	if err := s.db.WithContext(ctx).Create(toMessageRow(msg)).Error; err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *messageStore) collect(rows []messageRow) []types.Message {
	msgs := make([]types.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, fromMessageRow(&rows[i]))
	}
	return msgs
}

func (s *messageStore) ListRange(ctx context.Context, chatID, startID, endID int64) ([]types.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND message_id >= ? AND message_id <= ?", chatID, startID, endID).
		Order("message_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return s.collect(rows), nil
}

func (s *messageStore) ListAfter(ctx context.Context, chatID, afterID int64, limit int) ([]types.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND message_id > ?", chatID, afterID).
		Order("message_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages after: %w", err)
	}
	return s.collect(rows), nil
}

func (s *messageStore) ListRecent(ctx context.Context, chatID int64, limit int) ([]types.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("message_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	msgs := s.collect(rows)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *messageStore) MarkConversation(ctx context.Context, chatID, startID, endID, conversationID int64) (int64, error) {
	// JSON 序列化列无法在 SQL 层做集合追加，逐行更新。
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND message_id >= ? AND message_id <= ?", chatID, startID, endID).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("load messages for mark: %w", err)
	}
	var marked int64
	for i := range rows {
		row := &rows[i]
		if containsID(row.ConversationIDs, conversationID) {
			continue
		}
		row.ConversationIDs = append(row.ConversationIDs, conversationID)
		if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
			return marked, fmt.Errorf("mark message %d: %w", row.MessageID, err)
		}
		marked++
	}
	return marked, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ====== ConversationStore ======

type conversationStore Store

func (s *conversationStore) Insert(ctx context.Context, conv *types.Conversation) error {
	row := &conversationRow{
		ChatID:         conv.ChatID,
		ConversationID: conv.ConversationID,
		Title:          conv.Title,
		Summary:        conv.Summary,
		Weight:         conv.Weight,
		MessageStartID: conv.MessageStartID,
		MessageEndID:   conv.MessageEndID,
		ParticipantIDs: conv.ParticipantIDs,
		Date:           conv.Date,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *conversationStore) ListRecent(ctx context.Context, chatID int64, limit int) ([]types.Conversation, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("conversation_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	convs := make([]types.Conversation, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := &rows[i]
		convs = append(convs, types.Conversation{
			ChatID:         r.ChatID,
			ConversationID: r.ConversationID,
			Title:          r.Title,
			Summary:        r.Summary,
			Weight:         r.Weight,
			MessageStartID: r.MessageStartID,
			MessageEndID:   r.MessageEndID,
			ParticipantIDs: r.ParticipantIDs,
			Date:           r.Date,
		})
	}
	return convs, nil
}

func (s *conversationStore) CountInRange(ctx context.Context, chatID, startID, endID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("chat_id = ? AND message_start_id <= ? AND message_end_id >= ?", chatID, endID, startID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

// ====== PersonStore ======

type personStore Store

func fromPersonRow(r *personRow) *types.Person {
	return &types.Person{
		ChatID:   r.ChatID,
		UserID:   r.UserID,
		Username: r.Username,
		Thoughts: r.Thoughts,
		Facts:    r.Facts,
	}
}

func (s *personStore) get(ctx context.Context, query string, args ...any) (*personRow, error) {
	var row personRow
	err := s.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find person: %w", err)
	}
	return &row, nil
}

func (s *personStore) Get(ctx context.Context, chatID, userID int64) (*types.Person, error) {
	row, err := s.get(ctx, "chat_id = ? AND user_id = ?", chatID, userID)
	if err != nil {
		return nil, err
	}
	return fromPersonRow(row), nil
}

func (s *personStore) FindByUsername(ctx context.Context, chatID int64, username string) (*types.Person, error) {
	row, err := s.get(ctx, "chat_id = ? AND username = ?", chatID, username)
	if err != nil {
		return nil, err
	}
	return fromPersonRow(row), nil
}

func (s *personStore) List(ctx context.Context, chatID int64) ([]types.Person, error) {
	var rows []personRow
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("user_id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	persons := make([]types.Person, 0, len(rows))
	for i := range rows {
		persons = append(persons, *fromPersonRow(&rows[i]))
	}
	return persons, nil
}

func (s *personStore) Upsert(ctx context.Context, person *types.Person) error {
	row, err := s.get(ctx, "chat_id = ? AND user_id = ?", person.ChatID, person.UserID)
	if errors.Is(err, store.ErrNotFound) {
		create := &personRow{ChatID: person.ChatID, UserID: person.UserID, Username: person.Username}
		if err := s.db.WithContext(ctx).Create(create).Error; err != nil {
			return fmt.Errorf("insert person: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(&personRow{}).
		Where("pk = ?", row.PK).
		Update("username", person.Username).Error
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	return nil
}

func (s *personStore) AppendThought(ctx context.Context, chatID, userID int64, thought types.PersonThought) error {
	row, err := s.ensure(ctx, chatID, userID)
	if err != nil {
		return err
	}
	row.Thoughts = append(row.Thoughts, thought)
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("append thought: %w", err)
	}
	return nil
}

func (s *personStore) AppendFacts(ctx context.Context, chatID, userID int64, facts []string) error {
	if len(facts) == 0 {
		return nil
	}
	row, err := s.ensure(ctx, chatID, userID)
	if err != nil {
		return err
	}
	row.Facts = append(row.Facts, facts...)
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("append facts: %w", err)
	}
	return nil
}

func (s *personStore) ensure(ctx context.Context, chatID, userID int64) (*personRow, error) {
	row, err := s.get(ctx, "chat_id = ? AND user_id = ?", chatID, userID)
	if errors.Is(err, store.ErrNotFound) {
		create := &personRow{ChatID: chatID, UserID: userID}
		if err := s.db.WithContext(ctx).Create(create).Error; err != nil {
			return nil, fmt.Errorf("insert person: %w", err)
		}
		return create, nil
	}
	return row, err
}

// ====== PromptCacheStore ======

type promptCacheStore Store

func (s *promptCacheStore) FindLive(ctx context.Context, displayName string) (*types.PromptCacheRecord, error) {
	var row promptCacheRow
	err := s.db.WithContext(ctx).
		Where("display_name = ? AND deleted = ?", displayName, false).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find prompt cache: %w", err)
	}
	return &types.PromptCacheRecord{
		ChatID:         row.ChatID,
		DisplayName:    row.DisplayName,
		ProviderName:   row.ProviderName,
		Model:          row.Model,
		ExpiresAt:      row.ExpiresAt,
		StartMessageID: row.StartMessageID,
		EndMessageID:   row.EndMessageID,
		Deleted:        row.Deleted,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (s *promptCacheStore) Insert(ctx context.Context, rec *types.PromptCacheRecord) error {
	row := &promptCacheRow{
		ChatID:         rec.ChatID,
		DisplayName:    rec.DisplayName,
		ProviderName:   rec.ProviderName,
		Model:          rec.Model,
		ExpiresAt:      rec.ExpiresAt,
		StartMessageID: rec.StartMessageID,
		EndMessageID:   rec.EndMessageID,
		Deleted:        rec.Deleted,
		CreatedAt:      rec.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert prompt cache: %w", err)
	}
	return nil
}

func (s *promptCacheStore) SoftDelete(ctx context.Context, displayName string) error {
	err := s.db.WithContext(ctx).Model(&promptCacheRow{}).
		Where("display_name = ? AND deleted = ?", displayName, false).
		Update("deleted", true).Error
	if err != nil {
		return fmt.Errorf("soft delete prompt cache: %w", err)
	}
	return nil
}

// ====== BatchJobStore ======

type batchJobStore Store

func fromBatchJobRow(r *batchJobRow) *types.BatchJob {
	return &types.BatchJob{
		ID:             r.ID,
		ChatID:         r.ChatID,
		InputLocation:  r.InputLocation,
		OutputLocation: r.OutputLocation,
		Job:            r.Job,
		StartMessageID: r.StartMessageID,
		EndMessageID:   r.EndMessageID,
		Processed:      r.Processed,
		CreatedAt:      r.CreatedAt,
	}
}

func (s *batchJobStore) Insert(ctx context.Context, job *types.BatchJob) error {
	row := &batchJobRow{
		ID:             job.ID,
		ChatID:         job.ChatID,
		InputLocation:  job.InputLocation,
		OutputLocation: job.OutputLocation,
		Job:            job.Job,
		StartMessageID: job.StartMessageID,
		EndMessageID:   job.EndMessageID,
		Processed:      job.Processed,
		CreatedAt:      job.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert batch job: %w", err)
	}
	return nil
}

func (s *batchJobStore) Update(ctx context.Context, job *types.BatchJob) error {
	var row batchJobRow
	err := s.db.WithContext(ctx).Where("chat_id = ? AND id = ?", job.ChatID, job.ID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find batch job: %w", err)
	}
	row.InputLocation = job.InputLocation
	row.OutputLocation = job.OutputLocation
	row.Job = job.Job
	row.StartMessageID = job.StartMessageID
	row.EndMessageID = job.EndMessageID
	row.Processed = job.Processed
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("update batch job: %w", err)
	}
	return nil
}

func (s *batchJobStore) Get(ctx context.Context, chatID, id int64) (*types.BatchJob, error) {
	var row batchJobRow
	err := s.db.WithContext(ctx).Where("chat_id = ? AND id = ?", chatID, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find batch job: %w", err)
	}
	return fromBatchJobRow(&row), nil
}

func (s *batchJobStore) ListPending(ctx context.Context, chatID int64) ([]types.BatchJob, error) {
	var rows []batchJobRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND processed = ?", chatID, false).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending batch jobs: %w", err)
	}
	jobs := make([]types.BatchJob, 0, len(rows))
	for i := range rows {
		job := fromBatchJobRow(&rows[i])
		// 终态且未处理的任务仍需呈现给轮询方做摄取，仅排除失败类终态。
		if st := job.State(); st == types.BatchStateFailed || st == types.BatchStateCancelled || st == types.BatchStateExpired {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (s *batchJobStore) MaxEndMessageID(ctx context.Context, chatID int64) (int64, error) {
	var row batchJobRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("end_message_id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find max end message id: %w", err)
	}
	return row.EndMessageID, nil
}

// ====== Sequences ======

type sequenceStore Store

func (s *sequenceStore) Next(ctx context.Context, chatID int64, name string) (int64, error) {
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row counterRow
		err := tx.Where("chat_id = ? AND name = ?", chatID, name).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = counterRow{ChatID: chatID, Name: name, Value: 1}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			next = 1
			return nil
		}
		if err != nil {
			return err
		}
		row.Value++
		if err := tx.Model(&counterRow{}).
			Where("chat_id = ? AND name = ?", chatID, name).
			Update("value", row.Value).Error; err != nil {
			return err
		}
		next = row.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", name, err)
	}
	return next, nil
}
