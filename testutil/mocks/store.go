package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/convoflow/store"
	"github.com/BaSui01/convoflow/types"
)

// MemStore 全内存 store.Store，测试用。
type MemStore struct {
	mu            sync.Mutex
	messages      []types.Message
	conversations []types.Conversation
	persons       []types.Person
	promptCaches  []types.PromptCacheRecord
	batchJobs     []types.BatchJob
	counters      map[string]int64
}

var _ store.Store = (*MemStore)(nil)

// NewMemStore 创建空存储。
func NewMemStore() *MemStore {
	return &MemStore{counters: make(map[string]int64)}
}

func (s *MemStore) Messages() store.MessageStore           { return (*memMessages)(s) }
func (s *MemStore) Conversations() store.ConversationStore { return (*memConversations)(s) }
func (s *MemStore) Persons() store.PersonStore             { return (*memPersons)(s) }
func (s *MemStore) PromptCaches() store.PromptCacheStore   { return (*memPromptCaches)(s) }
func (s *MemStore) BatchJobs() store.BatchJobStore         { return (*memBatchJobs)(s) }
func (s *MemStore) Sequences() store.Sequences             { return (*memSequences)(s) }
func (s *MemStore) Close(ctx context.Context) error        { return nil }

// ====== MessageStore ======

type memMessages MemStore

func (s *memMessages) Append(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *memMessages) sorted(chatID int64) []types.Message {
	var out []types.Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

func (s *memMessages) ListRange(ctx context.Context, chatID, startID, endID int64) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Message
	for _, m := range s.sorted(chatID) {
		if m.MessageID >= startID && m.MessageID <= endID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMessages) ListAfter(ctx context.Context, chatID, afterID int64, limit int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Message
	for _, m := range s.sorted(chatID) {
		if m.MessageID > afterID {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memMessages) ListRecent(ctx context.Context, chatID int64, limit int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(chatID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *memMessages) MarkConversation(ctx context.Context, chatID, startID, endID, conversationID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.ChatID != chatID || m.MessageID < startID || m.MessageID > endID {
			continue
		}
		already := false
		for _, id := range m.ConversationIDs {
			if id == conversationID {
				already = true
				break
			}
		}
		if !already {
			m.ConversationIDs = append(m.ConversationIDs, conversationID)
			marked++
		}
	}
	return marked, nil
}

// ====== ConversationStore ======

type memConversations MemStore

func (s *memConversations) Insert(ctx context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, *conv)
	return nil
}

func (s *memConversations) ListRecent(ctx context.Context, chatID int64, limit int) ([]types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Conversation
	for _, c := range s.conversations {
		if c.ChatID == chatID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memConversations) CountInRange(ctx context.Context, chatID, startID, endID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.conversations {
		if c.ChatID == chatID && c.MessageStartID <= endID && c.MessageEndID >= startID {
			n++
		}
	}
	return n, nil
}

// ====== PersonStore ======

type memPersons MemStore

func (s *memPersons) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *memPersons) find(chatID, userID int64) *types.Person {
	for i := range s.persons {
		if s.persons[i].ChatID == chatID && s.persons[i].UserID == userID {
			return &s.persons[i]
		}
	}
	return nil
}

func (s *memPersons) Get(ctx context.Context, chatID, userID int64) (*types.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.find(chatID, userID); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *memPersons) FindByUsername(ctx context.Context, chatID int64, username string) (*types.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.persons {
		if s.persons[i].ChatID == chatID && s.persons[i].Username == username {
			cp := s.persons[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memPersons) List(ctx context.Context, chatID int64) ([]types.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Person
	for _, p := range s.persons {
		if p.ChatID == chatID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memPersons) Upsert(ctx context.Context, person *types.Person) error {
	return s.locked(func() error {
		if p := s.find(person.ChatID, person.UserID); p != nil {
			p.Username = person.Username
			return nil
		}
		s.persons = append(s.persons, types.Person{
			ChatID:   person.ChatID,
			UserID:   person.UserID,
			Username: person.Username,
		})
		return nil
	})
}

func (s *memPersons) AppendThought(ctx context.Context, chatID, userID int64, thought types.PersonThought) error {
	return s.locked(func() error {
		p := s.find(chatID, userID)
		if p == nil {
			s.persons = append(s.persons, types.Person{ChatID: chatID, UserID: userID})
			p = &s.persons[len(s.persons)-1]
		}
		p.Thoughts = append(p.Thoughts, thought)
		return nil
	})
}

func (s *memPersons) AppendFacts(ctx context.Context, chatID, userID int64, facts []string) error {
	if len(facts) == 0 {
		return nil
	}
	return s.locked(func() error {
		p := s.find(chatID, userID)
		if p == nil {
			s.persons = append(s.persons, types.Person{ChatID: chatID, UserID: userID})
			p = &s.persons[len(s.persons)-1]
		}
		p.Facts = append(p.Facts, facts...)
		return nil
	})
}

// ====== PromptCacheStore ======

type memPromptCaches MemStore

func (s *memPromptCaches) FindLive(ctx context.Context, displayName string) (*types.PromptCacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.promptCaches) - 1; i >= 0; i-- {
		if s.promptCaches[i].DisplayName == displayName && !s.promptCaches[i].Deleted {
			cp := s.promptCaches[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memPromptCaches) Insert(ctx context.Context, rec *types.PromptCacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptCaches = append(s.promptCaches, *rec)
	return nil
}

func (s *memPromptCaches) SoftDelete(ctx context.Context, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.promptCaches {
		if s.promptCaches[i].DisplayName == displayName {
			s.promptCaches[i].Deleted = true
		}
	}
	return nil
}

// ====== BatchJobStore ======

type memBatchJobs MemStore

func (s *memBatchJobs) Insert(ctx context.Context, job *types.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchJobs = append(s.batchJobs, *job)
	return nil
}

func (s *memBatchJobs) Update(ctx context.Context, job *types.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.batchJobs {
		if s.batchJobs[i].ChatID == job.ChatID && s.batchJobs[i].ID == job.ID {
			s.batchJobs[i] = *job
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *memBatchJobs) Get(ctx context.Context, chatID, id int64) (*types.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.batchJobs {
		if s.batchJobs[i].ChatID == chatID && s.batchJobs[i].ID == id {
			cp := s.batchJobs[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memBatchJobs) ListPending(ctx context.Context, chatID int64) ([]types.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.BatchJob
	for _, j := range s.batchJobs {
		if j.ChatID != chatID || j.Processed {
			continue
		}
		st := j.State()
		if st == types.BatchStateFailed || st == types.BatchStateCancelled || st == types.BatchStateExpired {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memBatchJobs) MaxEndMessageID(ctx context.Context, chatID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, j := range s.batchJobs {
		if j.ChatID == chatID && j.EndMessageID > max {
			max = j.EndMessageID
		}
	}
	return max, nil
}

// ====== Sequences ======

type memSequences MemStore

func (s *memSequences) Next(ctx context.Context, chatID int64, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s:%d", name, chatID)
	s.counters[key]++
	return s.counters[key], nil
}
