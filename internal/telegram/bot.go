// Package telegram connects the premoderation engine to the Telegram Bot
// API: it turns raw updates into ingest and decision events and serves the
// moderator management commands.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"modbot/internal/domain"
	"modbot/internal/premod"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot runs the long-poll update loop.
type Bot struct {
	bot    *tgbotapi.BotAPI
	engine *premod.Engine
	roster domain.ModeratorRoster
	tags   domain.TagStore
	logger *slog.Logger

	watchedChat int64
	bootstrap   []int64
}

type BotConfig struct {
	Engine *premod.Engine
	Roster domain.ModeratorRoster
	Tags   domain.TagStore
	Logger *slog.Logger

	// WatchedChat restricts ingestion to one group; 0 accepts any group the
	// bot is a member of.
	WatchedChat int64
	// Bootstrap ids may run roster commands even before being rostered.
	Bootstrap []int64
}

func NewBot(api *tgbotapi.BotAPI, cfg BotConfig) *Bot {
	return &Bot{
		bot:         api,
		engine:      cfg.Engine,
		roster:      cfg.Roster,
		tags:        cfg.Tags,
		logger:      cfg.Logger,
		watchedChat: cfg.WatchedChat,
		bootstrap:   cfg.Bootstrap,
	}
}

// Start begins polling for updates and blocks until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("telegram bot connected",
		"username", b.bot.Self.UserName,
		"id", b.bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.bot.GetUpdatesChan(u)

	b.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram bot stopping")
			b.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		if b.watchedChat != 0 && msg.Chat.ID != b.watchedChat {
			return
		}
		inbound, ok := convertMessage(msg)
		if !ok {
			return
		}
		if err := b.engine.Ingest(ctx, inbound); err != nil {
			b.logger.Error("ingest failed",
				"chat_id", msg.Chat.ID, "message_id", msg.MessageID, "err", err)
		}
		return
	}

	if msg.Chat.IsPrivate() && msg.IsCommand() {
		b.handleCommand(ctx, msg)
	}
}

// convertMessage classifies a raw Telegram message into the transport-neutral
// inbound shape. ok is false for unsupported content.
func convertMessage(msg *tgbotapi.Message) (domain.InboundMessage, bool) {
	inbound := domain.InboundMessage{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		ChatKind:  domain.ChatKind(msg.Chat.Type),
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		inbound.From = &domain.UserInfo{
			ID:        msg.From.ID,
			IsBot:     msg.From.IsBot,
			Username:  msg.From.UserName,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
		}
	}
	if msg.SenderChat != nil {
		inbound.SenderChat = &domain.ChatInfo{
			ID:       msg.SenderChat.ID,
			Title:    msg.SenderChat.Title,
			Username: msg.SenderChat.UserName,
		}
	}

	switch {
	case msg.Text != "":
		inbound.Type = domain.TypeText
		inbound.Text = msg.Text
	case len(msg.Photo) > 0:
		inbound.Type = domain.TypePhoto
		inbound.Text = msg.Caption
		inbound.MediaRef = msg.Photo[len(msg.Photo)-1].FileID // largest size last
	case msg.Video != nil:
		inbound.Type = domain.TypeVideo
		inbound.Text = msg.Caption
		inbound.MediaRef = msg.Video.FileID
	case msg.Audio != nil:
		inbound.Type = domain.TypeAudio
		inbound.Text = msg.Caption
		inbound.MediaRef = msg.Audio.FileID
	case msg.Document != nil:
		inbound.Type = domain.TypeDocument
		inbound.Text = msg.Caption
		inbound.MediaRef = msg.Document.FileID
	case msg.Caption != "":
		inbound.Type = domain.TypeCaption
		inbound.Text = msg.Caption
	default:
		return domain.InboundMessage{}, false
	}
	return inbound, true
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}

	recordID, decision, ok := premod.ParseCallback(cq.Data)
	if !ok {
		b.answer(cq.ID, "")
		return
	}

	if !b.isModerator(ctx, cq.From.ID) {
		b.logger.Warn("decision from non-moderator ignored",
			"user_id", cq.From.ID, "record", recordID)
		b.answer(cq.ID, "You are not on the moderator roster.")
		return
	}

	err := b.engine.Decide(ctx, recordID, cq.From.ID, decision)
	switch {
	case err == nil && decision == domain.DecisionAccept:
		b.answer(cq.ID, "Accepted ✅")
	case err == nil:
		b.answer(cq.ID, "Declined ❌")
	default:
		// Stale and internal errors alike: the moderator only ever sees an
		// already-resolved outcome, never a failure to retry.
		b.answer(cq.ID, "Already handled by another moderator.")
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Warn("cannot answer callback query", "err", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start", "help":
		b.reply(chatID, helpText)
		return
	}

	if !b.isModerator(ctx, msg.From.ID) {
		b.reply(chatID, "⛔ You are not on the moderator roster.")
		return
	}

	args := strings.Fields(msg.CommandArguments())
	switch msg.Command() {
	case "mods":
		b.cmdListMods(ctx, chatID)
	case "addmod":
		b.cmdAddMod(ctx, chatID, args)
	case "delmod":
		b.cmdDelMod(ctx, chatID, args)
	case "tags":
		b.cmdListTags(ctx, chatID)
	case "addtag":
		b.cmdAddTag(ctx, chatID, args)
	case "deltag":
		b.cmdDelTag(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Type /help for available commands.")
	}
}

const helpText = `modbot holds group messages for review.

Moderator commands:
/mods — list moderators
/addmod <id> [username] [signature…] — add a moderator
/delmod <id|@username> — remove a moderator
/tags — list tags
/addtag <tag> — add a tag
/deltag <tag> — remove a tag`

func (b *Bot) cmdListMods(ctx context.Context, chatID int64) {
	mods, err := b.roster.List(ctx)
	if err != nil {
		b.logger.Error("cannot list moderators", "err", err)
		b.reply(chatID, "Cannot read the roster right now.")
		return
	}
	if len(mods) == 0 {
		b.reply(chatID, "The roster is empty.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Moderators:\n")
	for _, m := range mods {
		fmt.Fprintf(&sb, "• %d @%s %s\n", m.ID, m.Username, m.Fullname)
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) cmdAddMod(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		b.reply(chatID, "Usage: /addmod <id> [username] [signature…]")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.reply(chatID, "Moderator id must be numeric.")
		return
	}
	mod := domain.Moderator{ID: id}
	if len(args) > 1 {
		mod.Username = strings.TrimPrefix(args[1], "@")
	}
	if len(args) > 2 {
		mod.Signature = strings.Join(args[2:], " ")
	}
	if err := b.roster.Add(ctx, mod); err != nil {
		b.logger.Error("cannot add moderator", "id", id, "err", err)
		b.reply(chatID, "Cannot update the roster right now.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Moderator %d added.", id))
}

func (b *Bot) cmdDelMod(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /delmod <id|@username>")
		return
	}
	arg := args[0]
	var err error
	if id, convErr := strconv.ParseInt(arg, 10, 64); convErr == nil {
		err = b.roster.Remove(ctx, id)
	} else {
		err = b.roster.RemoveByUsername(ctx, strings.TrimPrefix(arg, "@"))
	}
	if err != nil {
		b.logger.Error("cannot remove moderator", "arg", arg, "err", err)
		b.reply(chatID, "Cannot update the roster right now.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Moderator %s removed.", arg))
}

func (b *Bot) cmdListTags(ctx context.Context, chatID int64) {
	tags, err := b.tags.List(ctx)
	if err != nil {
		b.logger.Error("cannot list tags", "err", err)
		b.reply(chatID, "Cannot read tags right now.")
		return
	}
	if len(tags) == 0 {
		b.reply(chatID, "No tags defined.")
		return
	}
	b.reply(chatID, "Tags: "+strings.Join(tags, ", "))
}

func (b *Bot) cmdAddTag(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /addtag <tag>")
		return
	}
	if err := b.tags.Add(ctx, args[0]); err != nil {
		b.logger.Error("cannot add tag", "tag", args[0], "err", err)
		b.reply(chatID, "Cannot update tags right now.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Tag %q added.", args[0]))
}

func (b *Bot) cmdDelTag(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /deltag <tag>")
		return
	}
	if err := b.tags.Remove(ctx, args[0]); err != nil {
		b.logger.Error("cannot remove tag", "tag", args[0], "err", err)
		b.reply(chatID, "Cannot update tags right now.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Tag %q removed.", args[0]))
}

func (b *Bot) isModerator(ctx context.Context, userID int64) bool {
	mod, err := b.roster.GetByID(ctx, userID)
	if err != nil {
		b.logger.Error("cannot check roster membership", "user_id", userID, "err", err)
		return false
	}
	if mod != nil {
		return true
	}
	for _, id := range b.bootstrap {
		if id == userID {
			return true
		}
	}
	return false
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("cannot send reply", "chat_id", chatID, "err", err)
	}
}
