package conversation

import (
	"context"
	"errors"
	"fmt"
	"pair_chat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MongoStore struct {
		conversations *mongo.Collection
		messages      *mongo.Collection
	}
)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
	}
}

// EnsureIndexes creates the pair uniqueness and history ordering indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user1", Value: 1}, {Key: "user2", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user2", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("conversations indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, ErrSelfConversation
	}
	u1, u2 := model.CanonicalPair(userA, userB)

	filter := bson.M{"user1": u1, "user2": u2}
	update := bson.M{
		"$setOnInsert": bson.M{
			"user1":         u1,
			"user2":         u2,
			"message_count": int64(0),
			"created_at":    now(),
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var c model.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, filter, update, opts).Decode(&c)
	if mongo.IsDuplicateKeyError(err) {
		// lost an upsert race on the unique pair index; the winner's document exists now
		err = s.conversations.FindOne(ctx, filter).Decode(&c)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	id, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, ErrNotFound
	}

	var c model.Conversation
	err = s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"user1": userID},
		bson.M{"user2": userID},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var res []*model.Conversation
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Append reserves the next sequence number with an atomic increment that is
// also the participant check, then writes the message under it.
func (s *MongoStore) Append(ctx context.Context, in NewMessage) (*model.Message, error) {
	convID, err := primitive.ObjectIDFromHex(in.ConversationID)
	if err != nil {
		return nil, ErrNotFound
	}
	msgID, err := messageID(in.ID)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"_id": convID,
		"$or": bson.A{
			bson.M{"user1": in.SenderID},
			bson.M{"user2": in.SenderID},
		},
	}
	update := bson.M{"$inc": bson.M{"message_count": int64(1)}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var c model.Conversation
	err = s.conversations.FindOneAndUpdate(ctx, filter, update, opts).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.Get(ctx, in.ConversationID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}

	m := &model.Message{
		ID:             msgID,
		ConversationID: convID,
		Seq:            c.MessageCount,
		SenderID:       in.SenderID,
		Ciphertext:     in.Ciphertext,
		AttachmentURL:  in.AttachmentURL,
		CreatedAt:      now(),
	}
	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *MongoStore) Page(ctx context.Context, conversationID string, page, size int) ([]*model.Message, error) {
	if _, _, err := window(0, page, size); err != nil {
		return nil, err
	}
	c, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetSkip(int64(page-1) * int64(size)).
		SetLimit(int64(size))

	cur, err := s.messages.Find(ctx, bson.M{"conversation_id": c.ID}, opts)
	if err != nil {
		return nil, err
	}

	res := make([]*model.Message, 0, size)
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	reverse(res)
	return res, nil
}
