// Package mongo implements the engine document store on MongoDB.
//
// 每类实体一个集合；序号分配通过 counters 集合上的原子 $inc 实现，
// 保证按 (chat, name) 的单调递增。
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// Config Mongo 连接配置。
type Config struct {
	URI      string        `yaml:"uri" json:"uri"`
	Database string        `yaml:"database" json:"database"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		URI:      "mongodb://localhost:27017",
		Database: "convoflow",
		Timeout:  10 * time.Second,
	}
}

// Store 是 store.Store 的 MongoDB 实现。
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New 建立连接并确保索引存在。
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetTimeout(cfg.Timeout)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger.With(zap.String("component", "mongo_store")),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.logger.Info("mongo store ready", zap.String("database", cfg.Database))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	type spec struct {
		col    string
		models []mongo.IndexModel
	}
	specs := []spec{
		{"messages", []mongo.IndexModel{
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "message_id", Value: 1}},
				Options: options.Index().SetUnique(true)},
		}},
		{"conversations", []mongo.IndexModel{
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "conversation_id", Value: 1}},
				Options: options.Index().SetUnique(true)},
		}},
		{"persons", []mongo.IndexModel{
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true)},
		}},
		{"prompt_caches", []mongo.IndexModel{
			{Keys: bson.D{{Key: "display_name", Value: 1}, {Key: "deleted", Value: 1}}},
		}},
		{"batch_jobs", []mongo.IndexModel{
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true)},
		}},
		{"counters", []mongo.IndexModel{
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true)},
		}},
	}
	for _, sp := range specs {
		if _, err := s.db.Collection(sp.col).Indexes().CreateMany(ctx, sp.models); err != nil {
			return fmt.Errorf("create indexes for %s: %w", sp.col, err)
		}
	}
	return nil
}

func (s *Store) Messages() store.MessageStore          { return (*messageStore)(s) }
func (s *Store) Conversations() store.ConversationStore { return (*conversationStore)(s) }
func (s *Store) Persons() store.PersonStore            { return (*personStore)(s) }
func (s *Store) PromptCaches() store.PromptCacheStore  { return (*promptCacheStore)(s) }
func (s *Store) BatchJobs() store.BatchJobStore        { return (*batchJobStore)(s) }
func (s *Store) Sequences() store.Sequences            { return (*sequenceStore)(s) }

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ====== MessageStore ======

type messageStore Store

func (s *messageStore) col() *mongo.Collection { return s.db.Collection("messages") }

func (s *messageStore) Append(ctx context.Context, msg *types.Message) error {
	_, err := s.col().InsertOne(ctx, msg)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *messageStore) find(ctx context.Context, filter bson.D, opts *options.FindOptionsBuilder) ([]types.Message, error) {
	cur, err := s.col().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var msgs []types.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

func (s *messageStore) ListRange(ctx context.Context, chatID, startID, endID int64) ([]types.Message, error) {
	return s.find(ctx,
		bson.D{
			{Key: "chat_id", Value: chatID},
			{Key: "message_id", Value: bson.D{{Key: "$gte", Value: startID}, {Key: "$lte", Value: endID}}},
		},
		options.Find().SetSort(bson.D{{Key: "message_id", Value: 1}}),
	)
}

func (s *messageStore) ListAfter(ctx context.Context, chatID, afterID int64, limit int) ([]types.Message, error) {
	return s.find(ctx,
		bson.D{
			{Key: "chat_id", Value: chatID},
			{Key: "message_id", Value: bson.D{{Key: "$gt", Value: afterID}}},
		},
		options.Find().SetSort(bson.D{{Key: "message_id", Value: 1}}).SetLimit(int64(limit)),
	)
}

func (s *messageStore) ListRecent(ctx context.Context, chatID int64, limit int) ([]types.Message, error) {
	msgs, err := s.find(ctx,
		bson.D{{Key: "chat_id", Value: chatID}},
		options.Find().SetSort(bson.D{{Key: "message_id", Value: -1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *messageStore) MarkConversation(ctx context.Context, chatID, startID, endID, conversationID int64) (int64, error) {
	res, err := s.col().UpdateMany(ctx,
		bson.D{
			{Key: "chat_id", Value: chatID},
			{Key: "message_id", Value: bson.D{{Key: "$gte", Value: startID}, {Key: "$lte", Value: endID}}},
		},
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "conversation_ids", Value: conversationID}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("mark conversation: %w", err)
	}
	return res.ModifiedCount, nil
}

// ====== ConversationStore ======

type conversationStore Store

func (s *conversationStore) col() *mongo.Collection { return s.db.Collection("conversations") }

func (s *conversationStore) Insert(ctx context.Context, conv *types.Conversation) error {
	if _, err := s.col().InsertOne(ctx, conv); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *conversationStore) ListRecent(ctx context.Context, chatID int64, limit int) ([]types.Conversation, error) {
	cur, err := s.col().Find(ctx,
		bson.D{{Key: "chat_id", Value: chatID}},
		options.Find().SetSort(bson.D{{Key: "conversation_id", Value: -1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}
	var convs []types.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	for i, j := 0, len(convs)-1; i < j; i, j = i+1, j-1 {
		convs[i], convs[j] = convs[j], convs[i]
	}
	return convs, nil
}

func (s *conversationStore) CountInRange(ctx context.Context, chatID, startID, endID int64) (int64, error) {
	n, err := s.col().CountDocuments(ctx, bson.D{
		{Key: "chat_id", Value: chatID},
		{Key: "message_start_id", Value: bson.D{{Key: "$lte", Value: endID}}},
		{Key: "message_end_id", Value: bson.D{{Key: "$gte", Value: startID}}},
	})
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

// ====== PersonStore ======

type personStore Store

func (s *personStore) col() *mongo.Collection { return s.db.Collection("persons") }

func (s *personStore) findOne(ctx context.Context, filter bson.D) (*types.Person, error) {
	var p types.Person
	err := s.col().FindOne(ctx, filter).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find person: %w", err)
	}
	return &p, nil
}

func (s *personStore) Get(ctx context.Context, chatID, userID int64) (*types.Person, error) {
	return s.findOne(ctx, bson.D{{Key: "chat_id", Value: chatID}, {Key: "user_id", Value: userID}})
}

func (s *personStore) FindByUsername(ctx context.Context, chatID int64, username string) (*types.Person, error) {
	return s.findOne(ctx, bson.D{{Key: "chat_id", Value: chatID}, {Key: "username", Value: username}})
}

func (s *personStore) List(ctx context.Context, chatID int64) ([]types.Person, error) {
	cur, err := s.col().Find(ctx, bson.D{{Key: "chat_id", Value: chatID}})
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	var persons []types.Person
	if err := cur.All(ctx, &persons); err != nil {
		return nil, fmt.Errorf("decode persons: %w", err)
	}
	return persons, nil
}

func (s *personStore) Upsert(ctx context.Context, person *types.Person) error {
	_, err := s.col().UpdateOne(ctx,
		bson.D{{Key: "chat_id", Value: person.ChatID}, {Key: "user_id", Value: person.UserID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "username", Value: person.Username}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert person: %w", err)
	}
	return nil
}

func (s *personStore) AppendThought(ctx context.Context, chatID, userID int64, thought types.PersonThought) error {
	_, err := s.col().UpdateOne(ctx,
		bson.D{{Key: "chat_id", Value: chatID}, {Key: "user_id", Value: userID}},
		bson.D{{Key: "$push", Value: bson.D{{Key: "thoughts", Value: thought}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("append thought: %w", err)
	}
	return nil
}

func (s *personStore) AppendFacts(ctx context.Context, chatID, userID int64, facts []string) error {
	if len(facts) == 0 {
		return nil
	}
	_, err := s.col().UpdateOne(ctx,
		bson.D{{Key: "chat_id", Value: chatID}, {Key: "user_id", Value: userID}},
		bson.D{{Key: "$push", Value: bson.D{{Key: "facts", Value: bson.D{{Key: "$each", Value: facts}}}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("append facts: %w", err)
	}
	return nil
}

// ====== PromptCacheStore ======

type promptCacheStore Store

func (s *promptCacheStore) col() *mongo.Collection { return s.db.Collection("prompt_caches") }

func (s *promptCacheStore) FindLive(ctx context.Context, displayName string) (*types.PromptCacheRecord, error) {
	var rec types.PromptCacheRecord
	err := s.col().FindOne(ctx,
		bson.D{{Key: "display_name", Value: displayName}, {Key: "deleted", Value: false}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find prompt cache: %w", err)
	}
	return &rec, nil
}

func (s *promptCacheStore) Insert(ctx context.Context, rec *types.PromptCacheRecord) error {
	if _, err := s.col().InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("insert prompt cache: %w", err)
	}
	return nil
}

func (s *promptCacheStore) SoftDelete(ctx context.Context, displayName string) error {
	_, err := s.col().UpdateMany(ctx,
		bson.D{{Key: "display_name", Value: displayName}, {Key: "deleted", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "deleted", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("soft delete prompt cache: %w", err)
	}
	return nil
}

// ====== BatchJobStore ======

type batchJobStore Store

func (s *batchJobStore) col() *mongo.Collection { return s.db.Collection("batch_jobs") }

func (s *batchJobStore) Insert(ctx context.Context, job *types.BatchJob) error {
	if _, err := s.col().InsertOne(ctx, job); err != nil {
		return fmt.Errorf("insert batch job: %w", err)
	}
	return nil
}

func (s *batchJobStore) Update(ctx context.Context, job *types.BatchJob) error {
	res, err := s.col().ReplaceOne(ctx,
		bson.D{{Key: "chat_id", Value: job.ChatID}, {Key: "id", Value: job.ID}},
		job,
	)
	if err != nil {
		return fmt.Errorf("update batch job: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *batchJobStore) Get(ctx context.Context, chatID, id int64) (*types.BatchJob, error) {
	var job types.BatchJob
	err := s.col().FindOne(ctx, bson.D{{Key: "chat_id", Value: chatID}, {Key: "id", Value: id}}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find batch job: %w", err)
	}
	return &job, nil
}

func (s *batchJobStore) ListPending(ctx context.Context, chatID int64) ([]types.BatchJob, error) {
	cur, err := s.col().Find(ctx, bson.D{
		{Key: "chat_id", Value: chatID},
		{Key: "processed", Value: false},
		{Key: "job.state", Value: bson.D{{Key: "$nin", Value: bson.A{
			string(types.BatchStateFailed), string(types.BatchStateCancelled), string(types.BatchStateExpired),
		}}}},
	}, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list pending batch jobs: %w", err)
	}
	var jobs []types.BatchJob
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("decode batch jobs: %w", err)
	}
	return jobs, nil
}

func (s *batchJobStore) MaxEndMessageID(ctx context.Context, chatID int64) (int64, error) {
	var job types.BatchJob
	err := s.col().FindOne(ctx,
		bson.D{{Key: "chat_id", Value: chatID}},
		options.FindOne().SetSort(bson.D{{Key: "end_message_id", Value: -1}}),
	).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find max end message id: %w", err)
	}
	return job.EndMessageID, nil
}

// ====== Sequences ======

type sequenceStore Store

func (s *sequenceStore) Next(ctx context.Context, chatID int64, name string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection("counters").FindOneAndUpdate(ctx,
		bson.D{{Key: "chat_id", Value: chatID}, {Key: "name", Value: name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", name, err)
	}
	return doc.Value, nil
}
