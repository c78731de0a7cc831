package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxSendRetries = 3

// Gateway implements domain.Gateway over the Telegram Bot API.
type Gateway struct {
	bot       *tgbotapi.BotAPI
	parseMode string
	logger    *slog.Logger
}

func NewGateway(bot *tgbotapi.BotAPI, parseMode string, logger *slog.Logger) *Gateway {
	if parseMode == "" {
		parseMode = "Markdown"
	}
	return &Gateway{bot: bot, parseMode: parseMode, logger: logger}
}

func (g *Gateway) SendText(ctx context.Context, chatID int64, text string, controls *domain.Controls) (domain.DeliveryReceipt, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup := controlsMarkup(controls); markup != nil {
		msg.ReplyMarkup = *markup
	}
	return g.send(ctx, chatID, func(parseMode string) tgbotapi.Chattable {
		m := msg
		m.ParseMode = parseMode
		return m
	})
}

func (g *Gateway) SendMedia(ctx context.Context, chatID int64, mediaType domain.MessageType, mediaRef, caption string, controls *domain.Controls) (domain.DeliveryReceipt, error) {
	markup := controlsMarkup(controls)
	file := tgbotapi.FileID(mediaRef)

	build := func(parseMode string) tgbotapi.Chattable {
		switch mediaType {
		case domain.TypePhoto:
			m := tgbotapi.NewPhoto(chatID, file)
			m.Caption = caption
			m.ParseMode = parseMode
			if markup != nil {
				m.ReplyMarkup = *markup
			}
			return m
		case domain.TypeVideo:
			m := tgbotapi.NewVideo(chatID, file)
			m.Caption = caption
			m.ParseMode = parseMode
			if markup != nil {
				m.ReplyMarkup = *markup
			}
			return m
		case domain.TypeAudio:
			m := tgbotapi.NewAudio(chatID, file)
			m.Caption = caption
			m.ParseMode = parseMode
			if markup != nil {
				m.ReplyMarkup = *markup
			}
			return m
		default: // document and unclassified captioned media
			m := tgbotapi.NewDocument(chatID, file)
			m.Caption = caption
			m.ParseMode = parseMode
			if markup != nil {
				m.ReplyMarkup = *markup
			}
			return m
		}
	}
	return g.send(ctx, chatID, build)
}

func (g *Gateway) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete message %d in chat %d: %w", messageID, chatID, err)
	}
	return nil
}

func (g *Gateway) EditControls(ctx context.Context, chatID int64, messageID int, controls *domain.Controls) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	markup := controlsMarkup(controls)
	if markup == nil {
		markup = &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	}
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, *markup)
	if _, err := g.bot.Request(edit); err != nil {
		return fmt.Errorf("edit controls on message %d in chat %d: %w", messageID, chatID, err)
	}
	return nil
}

func controlsMarkup(c *domain.Controls) *tgbotapi.InlineKeyboardMarkup {
	if c == nil {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Accept", c.AcceptData),
			tgbotapi.NewInlineKeyboardButtonData("❌ Decline", c.DeclineData),
		),
	)
	return &markup
}

// send delivers one message with retry and rate limit handling.
// Strategy: try the configured parse mode first, on parse error fall back to
// plain text, back off on 429 and transient errors.
func (g *Gateway) send(ctx context.Context, chatID int64, build func(parseMode string) tgbotapi.Chattable) (domain.DeliveryReceipt, error) {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.DeliveryReceipt{}, err
		}

		parseMode := ""
		if attempt == 0 {
			parseMode = g.parseMode
		}
		// Subsequent attempts go out as plain text: the payload may carry
		// malformed markup.

		sent, err := g.bot.Send(build(parseMode))
		if err == nil {
			return domain.DeliveryReceipt{ChatID: sent.Chat.ID, MessageID: sent.MessageID}, nil
		}
		lastErr = err
		errStr := err.Error()

		// Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			g.logger.Warn("telegram rate limited, backing off",
				"chat_id", chatID, "retry_after", retryAfter, "attempt", attempt+1)
			if !sleepCtx(ctx, retryAfter) {
				return domain.DeliveryReceipt{}, ctx.Err()
			}
			continue
		}

		// Parse error on the first attempt: immediately retry as plain text.
		if attempt == 0 && parseMode != "" && strings.Contains(errStr, "can't parse entities") {
			g.logger.Warn("telegram markup parse error, retrying as plain text",
				"chat_id", chatID, "err", err)
			continue
		}

		if attempt < maxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			g.logger.Warn("telegram send error, retrying",
				"chat_id", chatID, "err", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return domain.DeliveryReceipt{}, ctx.Err()
			}
		}
	}
	return domain.DeliveryReceipt{}, fmt.Errorf("send to chat %d after %d attempts: %w", chatID, maxSendRetries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
