package domain

import "context"

// Controls describes the interactive accept/decline buttons attached to a
// forwarded copy. The payload strings come back verbatim in the decision
// callback.
type Controls struct {
	AcceptData  string
	DeclineData string
}

// DeliveryReceipt identifies a message the gateway delivered.
type DeliveryReceipt struct {
	ChatID    int64
	MessageID int
}

// Gateway performs the actual send/delete/edit operations against the chat
// transport. All calls honor ctx for caller-imposed timeouts.
type Gateway interface {
	SendText(ctx context.Context, chatID int64, text string, controls *Controls) (DeliveryReceipt, error)
	SendMedia(ctx context.Context, chatID int64, mediaType MessageType, mediaRef, caption string, controls *Controls) (DeliveryReceipt, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	EditControls(ctx context.Context, chatID int64, messageID int, controls *Controls) error
}
