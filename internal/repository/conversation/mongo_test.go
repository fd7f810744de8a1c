package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func mockStore(mt *mtest.T) *MongoStore {
	return &MongoStore{conversations: mt.Coll, messages: mt.Coll}
}

func namespace(mt *mtest.T) string {
	return mt.Coll.Database().Name() + "." + mt.Coll.Name()
}

func conversationDoc(id primitive.ObjectID, count int64) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "user1", Value: "alice"},
		{Key: "user2", Value: "bob"},
		{Key: "message_count", Value: count},
		{Key: "created_at", Value: primitive.NewDateTimeFromTime(time.Now())},
	}
}

func messageDoc(conv primitive.ObjectID, seq int64) bson.D {
	return bson.D{
		{Key: "_id", Value: primitive.NewObjectID()},
		{Key: "conversation_id", Value: conv},
		{Key: "seq", Value: seq},
		{Key: "sender_id", Value: "alice"},
		{Key: "ciphertext", Value: fmt.Sprintf("m%d", seq)},
		{Key: "created_at", Value: primitive.NewDateTimeFromTime(time.Now())},
	}
}

func startedCommand(mt *mtest.T, name string) *event.CommandStartedEvent {
	for _, e := range mt.GetAllStartedEvents() {
		if e.CommandName == name {
			return e
		}
	}
	return nil
}

func TestMongoStoreFindOrCreate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("upsert returns the pair", func(mt *mtest.T) {
		id := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: conversationDoc(id, 0)}))

		c, err := mockStore(mt).FindOrCreate(ctx, "bob", "alice")
		require.NoError(mt, err)
		assert.Equal(mt, id, c.ID)
		assert.Equal(mt, "alice", c.User1)
		assert.Equal(mt, "bob", c.User2)

		cmd := startedCommand(mt, "findAndModify")
		require.NotNil(mt, cmd)
		assert.Equal(mt, "alice", cmd.Command.Lookup("query", "user1").StringValue())
		assert.True(mt, cmd.Command.Lookup("upsert").Boolean())
	})

	mt.Run("lost upsert race reads the winner", func(mt *mtest.T) {
		id := primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11000, Name: "DuplicateKey", Message: "E11000 duplicate key error"}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, conversationDoc(id, 3)),
		)

		c, err := mockStore(mt).FindOrCreate(ctx, "alice", "bob")
		require.NoError(mt, err)
		assert.Equal(mt, id, c.ID)
		assert.Equal(mt, int64(3), c.MessageCount)
	})

	mt.Run("self pairing never reaches the server", func(mt *mtest.T) {
		_, err := mockStore(mt).FindOrCreate(ctx, "alice", "alice")
		assert.ErrorIs(mt, err, ErrSelfConversation)
		assert.Empty(mt, mt.GetAllStartedEvents())
	})
}

func TestMongoStoreAppend(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("reserves the next sequence", func(mt *mtest.T) {
		conv := primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: conversationDoc(conv, 7)}),
			mtest.CreateSuccessResponse(),
		)

		msgID := primitive.NewObjectID().Hex()
		m, err := mockStore(mt).Append(ctx, NewMessage{ID: msgID, ConversationID: conv.Hex(), SenderID: "bob", Ciphertext: "v1:a:b:c"})
		require.NoError(mt, err)
		assert.Equal(mt, int64(7), m.Seq)
		assert.Equal(mt, msgID, m.ID.Hex())
		assert.Equal(mt, conv, m.ConversationID)
		assert.False(mt, m.CreatedAt.IsZero())

		cmd := startedCommand(mt, "findAndModify")
		require.NotNil(mt, cmd)
		_, err = cmd.Command.LookupErr("query", "$or")
		assert.NoError(mt, err, "the increment is scoped to participants")
		assert.Equal(mt, int64(1), cmd.Command.Lookup("update", "$inc", "message_count").AsInt64())
		assert.NotNil(mt, startedCommand(mt, "insert"))
	})

	mt.Run("non participant", func(mt *mtest.T) {
		conv := primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, conversationDoc(conv, 2)),
		)

		_, err := mockStore(mt).Append(ctx, NewMessage{ConversationID: conv.Hex(), SenderID: "mallory", Ciphertext: "x"})
		assert.ErrorIs(mt, err, ErrNotParticipant)
		assert.Nil(mt, startedCommand(mt, "insert"))
	})

	mt.Run("unknown conversation", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch),
		)

		_, err := mockStore(mt).Append(ctx, NewMessage{ConversationID: primitive.NewObjectID().Hex(), SenderID: "alice", Ciphertext: "x"})
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("malformed conversation id", func(mt *mtest.T) {
		_, err := mockStore(mt).Append(ctx, NewMessage{ConversationID: "nope", SenderID: "alice"})
		assert.ErrorIs(mt, err, ErrNotFound)
		assert.Empty(mt, mt.GetAllStartedEvents())
	})
}

func TestMongoStorePage(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("second page oldest first", func(mt *mtest.T) {
		conv := primitive.NewObjectID()
		// the server hands back seq 14 down to 5
		batch := make([]bson.D, 0, 10)
		for seq := int64(14); seq >= 5; seq-- {
			batch = append(batch, messageDoc(conv, seq))
		}
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, conversationDoc(conv, 25)),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, batch...),
		)

		msgs, err := mockStore(mt).Page(ctx, conv.Hex(), 2, 10)
		require.NoError(mt, err)
		require.Len(mt, msgs, 10)
		assert.Equal(mt, int64(5), msgs[0].Seq)
		assert.Equal(mt, int64(14), msgs[9].Seq)
		assert.Equal(mt, "m5", msgs[0].Ciphertext)

		var find *event.CommandStartedEvent
		for _, e := range mt.GetAllStartedEvents() {
			if e.CommandName == "find" {
				find = e
			}
		}
		require.NotNil(mt, find)
		assert.Equal(mt, int64(10), find.Command.Lookup("skip").AsInt64())
		assert.Equal(mt, int64(10), find.Command.Lookup("limit").AsInt64())
		assert.Equal(mt, int64(-1), find.Command.Lookup("sort", "seq").AsInt64())
	})

	mt.Run("past the end is empty", func(mt *mtest.T) {
		conv := primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, conversationDoc(conv, 3)),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch),
		)

		msgs, err := mockStore(mt).Page(ctx, conv.Hex(), 2, 10)
		require.NoError(mt, err)
		assert.Empty(mt, msgs)
	})

	mt.Run("invalid window", func(mt *mtest.T) {
		_, err := mockStore(mt).Page(ctx, primitive.NewObjectID().Hex(), 0, 10)
		assert.ErrorIs(mt, err, ErrInvalidPage)
		assert.Empty(mt, mt.GetAllStartedEvents())
	})

	mt.Run("unknown conversation", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))

		_, err := mockStore(mt).Page(ctx, primitive.NewObjectID().Hex(), 1, 10)
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}
