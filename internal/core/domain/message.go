package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProcessingMessage is the queue payload handed from upload completion to the worker.
type ProcessingMessage struct {
	DocumentID  string    `json:"document_id"`
	UserID      string    `json:"user_id"`
	StorageKey  string    `json:"storage_key"`
	ContentType string    `json:"content_type"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Delivery is one delivery attempt of a message; Attempt starts at 1.
type Delivery struct {
	Message ProcessingMessage
	Attempt int
}

func NewProcessingMessage(doc *Document, now time.Time) ProcessingMessage {
	return ProcessingMessage{
		DocumentID:  doc.ID,
		UserID:      doc.UserID,
		StorageKey:  doc.StorageKey,
		ContentType: doc.ContentType,
		EnqueuedAt:  now.UTC(),
	}
}

func (m ProcessingMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeProcessingMessage(raw []byte) (ProcessingMessage, error) {
	var msg ProcessingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ProcessingMessage{}, WrapError(ErrInvalidInput, "decode processing message", err)
	}
	if strings.TrimSpace(msg.DocumentID) == "" || strings.TrimSpace(msg.UserID) == "" {
		return ProcessingMessage{}, WrapError(ErrInvalidInput, "decode processing message", errors.New("document_id and user_id are required"))
	}
	return msg, nil
}

func (m ProcessingMessage) String() string {
	return fmt.Sprintf("document=%s user=%s", m.DocumentID, m.UserID)
}
