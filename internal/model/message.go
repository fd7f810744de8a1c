package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Message is one persisted entry of a conversation. Ciphertext is stored
	// exactly as the sender produced it.
	Message struct {
		ID             primitive.ObjectID `bson:"_id"`
		ConversationID primitive.ObjectID `bson:"conversation_id"`
		Seq            int64              `bson:"seq"`
		SenderID       string             `bson:"sender_id"`
		Ciphertext     string             `bson:"ciphertext"`
		AttachmentURL  *string            `bson:"attachment_url,omitempty"`
		CreatedAt      time.Time          `bson:"created_at"`
	}
)

// Delivery renders the message in its wire shape.
func (m *Message) Delivery() Delivery {
	return Delivery{
		ID:             m.ID.Hex(),
		ConversationID: m.ConversationID.Hex(),
		Message:        m.Ciphertext,
		SenderID:       m.SenderID,
		AttachmentURL:  m.AttachmentURL,
		Timestamp:      m.CreatedAt,
	}
}
