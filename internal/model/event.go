package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	EventJoinChat  EventType = "joinChat"
	EventSend      EventType = "send"
	EventShareFile EventType = "shareFile"
	EventError     EventType = "error"
)

type (
	// Envelope is the single frame shape on the websocket in both directions.
	Envelope struct {
		Event EventType       `json:"event"`
		Data  json.RawMessage `json:"data"`
	}

	JoinChat struct {
		ConversationID string `json:"conversationId"`
	}

	SendRequest struct {
		ConversationID string `json:"conversationId"`
		Ciphertext     string `json:"ciphertext"`
	}

	ShareFileRequest struct {
		ConversationID string `json:"conversationId"`
		Ciphertext     string `json:"ciphertext"`
		Blob           []byte `json:"blob"`
		MimeType       string `json:"mimeType"`
	}

	ErrorEvent struct {
		Error string `json:"error"`
	}

	// Delivery is a message as fanned out to a room and as returned by the
	// history endpoint. AttachmentURL is null for plain messages.
	Delivery struct {
		ID             string    `json:"id"`
		ConversationID string    `json:"conversationId"`
		Message        string    `json:"message"`
		SenderID       string    `json:"senderId"`
		AttachmentURL  *string   `json:"attachmentUrl"`
		Timestamp      time.Time `json:"timestamp"`
	}
)

var ErrInvalidDelivery = errors.New("invalid delivery payload")

// Validate checks the required fields of a delivery at the transport boundary.
func (d *Delivery) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidDelivery)
	case d.ConversationID == "":
		return fmt.Errorf("%w: missing conversationId", ErrInvalidDelivery)
	case d.SenderID == "":
		return fmt.Errorf("%w: missing senderId", ErrInvalidDelivery)
	case d.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidDelivery)
	case d.Message == "" && d.AttachmentURL == nil:
		return fmt.Errorf("%w: empty message without attachment", ErrInvalidDelivery)
	}
	return nil
}

// NewEnvelope marshals v as the data of an event frame.
func NewEnvelope(event EventType, v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}
