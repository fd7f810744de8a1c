package server

import (
	"context"
	"errors"
	"pair_chat/internal/model"
	"pair_chat/internal/repository/blob"
	"pair_chat/internal/repository/conversation"
	"pair_chat/internal/utils/log"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

var errNotParticipant = errors.New("not a participant of this conversation")

const uploadTimeout = 30 * time.Second

func (c *Client) dispatch(ctx context.Context, env *model.Envelope) {
	switch env.Event {
	case model.EventJoinChat:
		c.handleJoin(ctx, env)
	case model.EventSend:
		c.handleSend(ctx, env)
	case model.EventShareFile:
		c.handleShareFile(ctx, env)
	default:
		log.Warn("unknown event", zap.String("client_id", c.id), zap.String("event", string(env.Event)))
		c.sendError("unknown event " + string(env.Event))
	}
}

// authorize checks that the connection's user participates in
// conversationID. Positive answers are cached for the connection lifetime
// since participants never change.
func (c *Client) authorize(ctx context.Context, conversationID string) error {
	if _, ok := c.allowed[conversationID]; ok {
		return nil
	}

	conv, err := c.server.conversations.Get(ctx, conversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		return errNotParticipant
	}
	if err != nil {
		return err
	}
	if !conv.HasParticipant(c.userID) {
		return errNotParticipant
	}

	c.allowed[conversationID] = struct{}{}
	return nil
}

func (c *Client) reject(event model.EventType, conversationID string, err error) {
	log.Warn("event rejected",
		zap.String("event", string(event)),
		zap.String("conversation_id", conversationID),
		zap.String("user_id", c.userID),
		zap.Error(err),
	)
	if errors.Is(err, errNotParticipant) {
		c.sendError(errNotParticipant.Error())
		return
	}
	c.sendError(string(event) + " failed")
}

func (c *Client) handleJoin(ctx context.Context, env *model.Envelope) {
	var req model.JoinChat
	if err := env.Decode(&req); err != nil || req.ConversationID == "" {
		c.sendError("invalid joinChat payload")
		return
	}

	if err := c.authorize(ctx, req.ConversationID); err != nil {
		c.reject(env.Event, req.ConversationID, err)
		return
	}

	c.server.hub.Join(req.ConversationID, c)
	log.Debug("joined room", zap.String("conversation_id", req.ConversationID), zap.String("user_id", c.userID))
}

func (c *Client) handleSend(ctx context.Context, env *model.Envelope) {
	var req model.SendRequest
	if err := env.Decode(&req); err != nil || req.ConversationID == "" || req.Ciphertext == "" {
		c.sendError("invalid send payload")
		return
	}

	if err := c.authorize(ctx, req.ConversationID); err != nil {
		c.reject(env.Event, req.ConversationID, err)
		return
	}

	c.deliver(ctx, model.EventSend, req.ConversationID, req.Ciphertext, nil)
}

func (c *Client) handleShareFile(ctx context.Context, env *model.Envelope) {
	var req model.ShareFileRequest
	if err := env.Decode(&req); err != nil || req.ConversationID == "" {
		c.sendError("invalid shareFile payload")
		return
	}
	if len(req.Blob) == 0 {
		c.sendError("file is empty")
		return
	}
	if int64(len(req.Blob)) > c.server.opts.MaxUploadBytes {
		c.sendError("file exceeds the upload limit")
		return
	}

	if err := c.authorize(ctx, req.ConversationID); err != nil {
		c.reject(env.Event, req.ConversationID, err)
		return
	}

	// the upload must not hold up the read loop
	go c.shareFile(ctx, req)
}

func (c *Client) shareFile(ctx context.Context, req model.ShareFileRequest) {
	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	url, err := c.server.blobs.Upload(uploadCtx, req.Blob, req.ConversationID, req.MimeType)
	if err != nil {
		log.Error("upload failed",
			zap.String("conversation_id", req.ConversationID),
			zap.String("user_id", c.userID),
			zap.Int("size", len(req.Blob)),
			zap.Error(err),
		)
		if errors.Is(err, blob.ErrTooLarge) {
			c.sendError("file exceeds the upload limit")
			return
		}
		c.sendError("file upload failed")
		return
	}

	c.deliver(ctx, model.EventShareFile, req.ConversationID, req.Ciphertext, &url)
}

// deliver stamps the message, fans it out to the room and hands it to the
// persister. Fan-out happens first and is never rolled back.
func (c *Client) deliver(ctx context.Context, event model.EventType, conversationID, ciphertext string, attachmentURL *string) {
	d := model.Delivery{
		ID:             primitive.NewObjectID().Hex(),
		ConversationID: conversationID,
		Message:        ciphertext,
		SenderID:       c.userID,
		AttachmentURL:  attachmentURL,
		Timestamp:      time.Now().UTC(),
	}

	if err := c.server.fanout.Publish(ctx, event, d); err != nil {
		log.Error("fan-out failed", zap.String("conversation_id", conversationID), zap.String("user_id", c.userID), zap.Error(err))
		c.sendError("message delivery failed")
	}

	job := persistJob{
		msg: conversation.NewMessage{
			ID:             d.ID,
			ConversationID: conversationID,
			SenderID:       c.userID,
			Ciphertext:     ciphertext,
			AttachmentURL:  attachmentURL,
		},
		onFailure: func(error) {
			c.sendError("message not saved")
		},
	}
	if err := c.server.persister.Submit(ctx, job); err != nil {
		log.Error("persist submit failed", zap.String("conversation_id", conversationID), zap.Error(err))
		c.sendError("message not saved")
	}
}
