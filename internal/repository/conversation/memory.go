package conversation

import (
	"context"
	"pair_chat/internal/model"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// MemoryStore keeps everything in process. Used by tests and by the
	// in-memory server mode.
	MemoryStore struct {
		mu            sync.RWMutex
		conversations map[primitive.ObjectID]*model.Conversation
		byPair        map[[2]string]primitive.ObjectID
		messages      map[primitive.ObjectID][]*model.Message
	}
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[primitive.ObjectID]*model.Conversation),
		byPair:        make(map[[2]string]primitive.ObjectID),
		messages:      make(map[primitive.ObjectID][]*model.Message),
	}
}

func (s *MemoryStore) FindOrCreate(_ context.Context, userA, userB string) (*model.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, ErrSelfConversation
	}
	u1, u2 := model.CanonicalPair(userA, userB)
	key := [2]string{u1, u2}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		c := *s.conversations[id]
		return &c, nil
	}

	c := &model.Conversation{
		ID:        primitive.NewObjectID(),
		User1:     u1,
		User2:     u2,
		CreatedAt: now(),
	}
	s.conversations[c.ID] = c
	s.byPair[key] = c.ID

	out := *c
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, conversationID string) (*model.Conversation, error) {
	id, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListByParticipant(_ context.Context, userID string) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*model.Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out := *c
			res = append(res, &out)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *MemoryStore) Append(_ context.Context, in NewMessage) (*model.Message, error) {
	convID, err := primitive.ObjectIDFromHex(in.ConversationID)
	if err != nil {
		return nil, ErrNotFound
	}
	msgID, err := messageID(in.ID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[convID]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.HasParticipant(in.SenderID) {
		return nil, ErrNotParticipant
	}

	c.MessageCount++
	m := &model.Message{
		ID:             msgID,
		ConversationID: convID,
		Seq:            c.MessageCount,
		SenderID:       in.SenderID,
		Ciphertext:     in.Ciphertext,
		AttachmentURL:  in.AttachmentURL,
		CreatedAt:      now(),
	}
	s.messages[convID] = append(s.messages[convID], m)

	out := *m
	return &out, nil
}

func (s *MemoryStore) Page(_ context.Context, conversationID string, page, size int) ([]*model.Message, error) {
	convID, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[convID]; !ok {
		return nil, ErrNotFound
	}
	all := s.messages[convID]

	lo, hi, err := window(int64(len(all)), page, size)
	if err != nil {
		return nil, err
	}

	res := make([]*model.Message, 0, hi-lo)
	for _, m := range all[lo:hi] {
		out := *m
		res = append(res, &out)
	}
	return res, nil
}

func messageID(hex string) (primitive.ObjectID, error) {
	if hex == "" {
		return primitive.NewObjectID(), nil
	}
	return primitive.ObjectIDFromHex(hex)
}
