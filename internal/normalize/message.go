package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
)

// Envelope is the transport-boundary shape of one inbound field submission.
// The messaging bot (or an offline bundle) fills it; the normalizer is its
// only consumer.
type Envelope struct {
	ChatID    string              `json:"chat_id"`
	MessageID string              `json:"message_id"`
	UserID    string              `json:"user_id"`
	Username  string              `json:"username,omitempty"`
	Kind      catalog.MessageKind `json:"kind"`
	Text      string              `json:"text,omitempty"`
	Blob      *BlobMeta           `json:"blob,omitempty"`
	Lat       float64             `json:"lat,omitempty"`
	Lon       float64             `json:"lon,omitempty"`
	AccuracyM float64             `json:"accuracy_m,omitempty"`
	SentAt    time.Time           `json:"sent_at,omitempty"`
}

// BlobMeta references a media blob held outside the pipeline. Ref is either
// a transport file id or a path relative to the spool directory.
type BlobMeta struct {
	Ref       string `json:"ref"`
	FileName  string `json:"file_name,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
}

// Validate checks the envelope fields every submission must carry.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.ChatID) == "" {
		return fmt.Errorf("chat_id is required")
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return fmt.Errorf("message_id is required")
	}
	if _, err := catalog.ParseMessageKind(string(e.Kind)); err != nil {
		return err
	}
	return nil
}

// SenderRef returns the best available submitter reference: the messenger
// username when known, else the raw user id.
func (e *Envelope) SenderRef() string {
	if e.Username != "" {
		return e.Username
	}
	return e.UserID
}
