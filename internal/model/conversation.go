package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Conversation is a two-party chat. User1 < User2 always holds, so the
	// unordered pair has exactly one representation.
	Conversation struct {
		ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
		User1        string             `bson:"user1" json:"user1"`
		User2        string             `bson:"user2" json:"user2"`
		MessageCount int64              `bson:"message_count" json:"messageCount"`
		CreatedAt    time.Time          `bson:"created_at" json:"createdAt"`
	}

	// ConversationSummary is a conversation as listed to one of its participants.
	ConversationSummary struct {
		ID           string    `json:"conversationId"`
		PeerID       string    `json:"peerId"`
		PeerName     string    `json:"peerName"`
		MessageCount int64     `json:"messageCount"`
		CreatedAt    time.Time `json:"createdAt"`
	}
)

// CanonicalPair orders two participant ids.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.User1 == userID || c.User2 == userID)
}

// Peer returns the other participant, or "" if userID is not a participant.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.User1:
		return c.User2
	case c.User2:
		return c.User1
	}
	return ""
}
