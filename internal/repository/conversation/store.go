package conversation

import (
	"context"
	"errors"
	"pair_chat/internal/model"
	"time"
)

var (
	ErrNotFound         = errors.New("conversation not found")
	ErrNotParticipant   = errors.New("sender is not a participant of the conversation")
	ErrSelfConversation = errors.New("a conversation needs two distinct participants")
	ErrInvalidPage      = errors.New("page and size must be positive")
)

type (
	// NewMessage is the input to Append. ID is assigned by the caller so the
	// persisted message and its live fan-out share one id.
	NewMessage struct {
		ID             string
		ConversationID string
		SenderID       string
		Ciphertext     string
		AttachmentURL  *string
	}

	// Store is the durable record of conversations and their message history.
	// Appends to one conversation are serialized by the store.
	Store interface {
		FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error)
		Get(ctx context.Context, conversationID string) (*model.Conversation, error)
		ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error)
		Append(ctx context.Context, msg NewMessage) (*model.Message, error)
		// Page returns the page-th newest block of size messages, oldest first.
		Page(ctx context.Context, conversationID string, page, size int) ([]*model.Message, error)
	}
)

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
