// Package sender resolves the logical sender of an inbound message: either a
// human user or a channel/group posting as itself.
package sender

import (
	"log/slog"
	"strconv"
	"strings"

	"modbot/internal/domain"
)

// Resolver derives SenderInfo from inbound message attributes.
type Resolver struct {
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve is total: missing fields degrade to fallbacks, it never fails.
// A bot author acting on behalf of a chat entity is the group/channel case;
// everything else falls to the user case.
func (r *Resolver) Resolve(msg domain.InboundMessage) domain.SenderInfo {
	info := domain.SenderInfo{
		IsGroupOrChannel: msg.From != nil && msg.From.IsBot && msg.SenderChat != nil,
		IsUser:           msg.From != nil && !msg.From.IsBot,
	}

	if info.IsGroupOrChannel {
		info.ChatID = strconv.FormatInt(msg.SenderChat.ID, 10)
		info.VerboseName = strings.TrimSpace(msg.SenderChat.Title)
		if info.VerboseName == "" {
			info.VerboseName = msg.SenderChat.Username
		}
	} else if msg.From != nil {
		info.ChatID = strconv.FormatInt(msg.From.ID, 10)
		info.Username = msg.From.Username
		info.FirstName = msg.From.FirstName
		info.LastName = msg.From.LastName
		info.VerboseName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if info.VerboseName == "" {
			info.VerboseName = msg.From.Username
		}
	}

	// One line per resolution for audit traceability.
	r.logger.Info("sender resolved",
		"verbose_name", info.VerboseName,
		"chat_id", info.ChatID,
	)
	return info
}
