package domain

import (
	"fmt"
	"time"
)

// RecordState is the moderation lifecycle state of a record.
// States only advance forward: NEW -> IN_PROCESS -> DONE.
type RecordState string

const (
	StateNew       RecordState = "NEW"
	StateInProcess RecordState = "IN_PROCESS"
	StateDone      RecordState = "DONE"
)

// MessageType classifies the payload of an inbound message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypePhoto    MessageType = "photo"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	// TypeCaption marks a media message whose payload is its caption and
	// whose media kind could not be classified more precisely.
	TypeCaption MessageType = "caption"
)

// Decision is a moderator verdict on a record.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// Receipt identifies one delivered copy of a forwarded message.
// A decline needs the copy's coordinates to retract it, not just the
// moderator it went to.
type Receipt struct {
	ModeratorID int64 `json:"moderator_id"`
	ChatID      int64 `json:"chat_id"`
	MessageID   int   `json:"message_id"`
}

// ModerationRecord tracks one inbound message through premoderation.
// All fields except State, SentTo and the Resolved* group are immutable
// after creation.
type ModerationRecord struct {
	ID        string      `json:"id"` // "{chat_id}!{message_id}"
	Type      MessageType `json:"message_type"`
	ChatID    int64       `json:"chat_id"`
	MessageID int         `json:"message_id"`
	Content   string      `json:"content,omitempty"`   // text or caption payload
	MediaRef  string      `json:"media_ref,omitempty"` // transport file reference
	SenderID  string      `json:"sender_id"`
	State     RecordState `json:"state"`
	SentTo    []Receipt   `json:"sent_to,omitempty"`
	CreatedAt time.Time   `json:"created_at"`

	// Resolution audit, set when the record reaches DONE.
	Resolution Decision  `json:"resolution,omitempty"`
	ResolvedBy int64     `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// RecordID derives the stable record identifier from source-chat coordinates.
func RecordID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d!%d", chatID, messageID)
}
