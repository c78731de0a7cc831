// Package premod implements the premoderation engine: every qualifying group
// message is held back, fanned out to the moderator roster with accept and
// decline controls, and tracked through NEW -> IN_PROCESS -> DONE until
// exactly one decision resolves it.
package premod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modbot/internal/domain"
	"modbot/internal/metrics"
	"modbot/internal/sender"
)

// transitions is the explicit forward-only transition table keyed by the
// record's current state.
var transitions = map[domain.RecordState]domain.RecordState{
	domain.StateNew:       domain.StateInProcess,
	domain.StateInProcess: domain.StateDone,
}

// Engine owns the per-message moderation state machine.
type Engine struct {
	store    domain.MessageStore
	roster   domain.ModeratorRoster
	gateway  domain.Gateway
	resolver *sender.Resolver
	logger   *slog.Logger

	keepResolved    bool
	deliveryTimeout time.Duration
}

type Config struct {
	Store    domain.MessageStore
	Roster   domain.ModeratorRoster
	Gateway  domain.Gateway
	Resolver *sender.Resolver
	Logger   *slog.Logger

	// KeepResolved retains DONE records instead of deleting them.
	KeepResolved bool
	// DeliveryTimeout bounds each gateway call during fan-out and retraction.
	DeliveryTimeout time.Duration
}

func New(cfg Config) *Engine {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	return &Engine{
		store:           cfg.Store,
		roster:          cfg.Roster,
		gateway:         cfg.Gateway,
		resolver:        cfg.Resolver,
		logger:          cfg.Logger,
		keepResolved:    cfg.KeepResolved,
		deliveryTimeout: cfg.DeliveryTimeout,
	}
}

func supportedType(t domain.MessageType) bool {
	switch t {
	case domain.TypeText, domain.TypePhoto, domain.TypeVideo,
		domain.TypeAudio, domain.TypeDocument, domain.TypeCaption:
		return true
	}
	return false
}

// Ingest takes one inbound message through creation, fan-out and the
// NEW -> IN_PROCESS transition. Messages from non-group chats or of
// unsupported types are ignored. A duplicate ingest for the same coordinates
// is an idempotent no-op.
func (e *Engine) Ingest(ctx context.Context, msg domain.InboundMessage) error {
	if msg.ChatKind != domain.ChatGroup && msg.ChatKind != domain.ChatSupergroup {
		return nil
	}
	if !supportedType(msg.Type) {
		e.logger.Debug("unsupported message type ignored",
			"type", msg.Type, "chat_id", msg.ChatID, "message_id", msg.MessageID)
		return nil
	}

	info := e.resolver.Resolve(msg)

	rec := domain.ModerationRecord{
		ID:        domain.RecordID(msg.ChatID, msg.MessageID),
		Type:      msg.Type,
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Content:   msg.Text,
		MediaRef:  msg.MediaRef,
		SenderID:  info.ChatID,
		State:     domain.StateNew,
		CreatedAt: time.Now(),
	}

	if err := e.store.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateID) {
			e.logger.Warn("duplicate ingest ignored", "id", rec.ID)
			return nil
		}
		return fmt.Errorf("ingest %s: %w", rec.ID, err)
	}

	outbound := outboundContent(msg.Text, info)
	receipts, err := e.fanOut(ctx, rec, outbound)
	if err != nil {
		// Roster unavailable: no moderator got a copy, so undo the NEW
		// record to let the caller retry the whole ingest, and leave the
		// original standing in the chat.
		if derr := e.store.Delete(ctx, rec.ID); derr != nil {
			e.logger.Error("cannot undo record after fan-out failure", "id", rec.ID, "err", derr)
		}
		return fmt.Errorf("ingest %s: %w", rec.ID, err)
	}

	ok, err := e.store.CompareAndTransition(ctx, rec.ID,
		domain.StateNew, transitions[domain.StateNew],
		func(r *domain.ModerationRecord) { r.SentTo = receipts })
	if err != nil {
		return fmt.Errorf("ingest %s: %w", rec.ID, err)
	}
	if !ok {
		// Only possible if something else raced the record out of NEW.
		e.logger.Warn("record left NEW before fan-out completed", "id", rec.ID)
		return nil
	}

	metrics.MessagesIngested.Inc()
	metrics.RecordsInProcess.Inc()
	e.logger.Info("message taken into premoderation",
		"id", rec.ID, "type", rec.Type, "sender", rec.SenderID,
		"moderators_reached", len(receipts))

	// Best-effort: remove the original from the monitored chat. The record
	// stands even if this fails.
	dctx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
	defer cancel()
	if err := e.gateway.DeleteMessage(dctx, msg.ChatID, msg.MessageID); err != nil {
		e.logger.Warn("cannot delete original message",
			"chat_id", msg.ChatID, "message_id", msg.MessageID, "err", err)
	}
	return nil
}

// outboundContent appends the sender line to the original payload: a deep
// link for users, a plain label for channels and groups.
func outboundContent(text string, info domain.SenderInfo) string {
	line := info.VerboseName
	if info.IsUser {
		line = fmt.Sprintf("[%s](tg://user?id=%s)", info.VerboseName, info.ChatID)
	}
	if text == "" {
		return line
	}
	return text + "\n\n" + line
}

// fanOut delivers one copy per moderator, in parallel, and returns the
// receipts of the copies that went through in roster order. A failure for
// one moderator is logged and does not block the others; an unreadable
// roster fails the whole fan-out.
func (e *Engine) fanOut(ctx context.Context, rec domain.ModerationRecord, outbound string) ([]domain.Receipt, error) {
	mods, err := e.roster.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list moderators for fan-out: %w", err)
	}

	controls := &domain.Controls{
		AcceptData:  AcceptCallback(rec.ID),
		DeclineData: DeclineCallback(rec.ID),
	}

	results := make([]*domain.Receipt, len(mods))
	var wg sync.WaitGroup
	for i, mod := range mods {
		wg.Add(1)
		go func(i int, mod domain.Moderator) {
			defer wg.Done()

			text := outbound
			if mod.Signature != "" {
				text += "\n\n" + mod.Signature
			}

			sctx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
			defer cancel()

			var receipt domain.DeliveryReceipt
			var err error
			if rec.Type == domain.TypeText {
				receipt, err = e.gateway.SendText(sctx, mod.ID, text, controls)
			} else {
				receipt, err = e.gateway.SendMedia(sctx, mod.ID, rec.Type, rec.MediaRef, text, controls)
			}
			if err != nil {
				metrics.DeliveryFailures.Inc()
				e.logger.Warn("fan-out delivery failed",
					"id", rec.ID, "moderator", mod.ID,
					"err", &domain.DeliveryError{ModeratorID: mod.ID, Err: err})
				return
			}
			results[i] = &domain.Receipt{
				ModeratorID: mod.ID,
				ChatID:      receipt.ChatID,
				MessageID:   receipt.MessageID,
			}
		}(i, mod)
	}
	wg.Wait()

	var receipts []domain.Receipt
	for _, r := range results {
		if r != nil {
			receipts = append(receipts, *r)
		}
	}
	return receipts, nil
}

// Decide applies one moderator verdict. The first decision to win the
// IN_PROCESS -> DONE transition resolves the record; every later decision,
// and any decision for a missing record, returns ErrStaleTransition.
func (e *Engine) Decide(ctx context.Context, recordID string, moderatorID int64, decision domain.Decision) error {
	if decision != domain.DecisionAccept && decision != domain.DecisionDecline {
		return fmt.Errorf("decide %s: unknown decision %q", recordID, decision)
	}

	rec, err := e.store.Get(ctx, recordID)
	if err != nil {
		return fmt.Errorf("decide %s: %w", recordID, err)
	}
	if rec == nil || rec.State == domain.StateDone {
		metrics.StaleDecisions.Inc()
		e.logger.Info("late or duplicate decision discarded",
			"id", recordID, "moderator", moderatorID, "decision", decision)
		return domain.ErrStaleTransition
	}

	now := time.Now()
	ok, err := e.store.CompareAndTransition(ctx, recordID,
		domain.StateInProcess, transitions[domain.StateInProcess],
		func(r *domain.ModerationRecord) {
			r.Resolution = decision
			r.ResolvedBy = moderatorID
			r.ResolvedAt = now
		})
	if err != nil {
		return fmt.Errorf("decide %s: %w", recordID, err)
	}
	if !ok {
		// Lost the race to another moderator.
		metrics.StaleDecisions.Inc()
		e.logger.Info("decision lost transition race",
			"id", recordID, "moderator", moderatorID, "decision", decision)
		return domain.ErrStaleTransition
	}

	metrics.Decisions.WithLabelValues(string(decision)).Inc()
	metrics.RecordsInProcess.Dec()
	e.logger.Info("record resolved",
		"id", recordID, "moderator", moderatorID, "decision", decision)

	switch decision {
	case domain.DecisionAccept:
		// Accepted content stays delivered; only the buttons go away.
		e.clearControls(ctx, rec.SentTo)
	case domain.DecisionDecline:
		e.retract(ctx, rec.SentTo)
	}

	return e.finalize(ctx, recordID)
}

// ExpireStale force-resolves records parked IN_PROCESS longer than olderThan
// as declines. Scheduling is the caller's concern. Returns the number of
// records expired.
func (e *Engine) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	recs, err := e.store.ListByState(ctx, domain.StateInProcess)
	if err != nil {
		return 0, fmt.Errorf("expire: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	expired := 0
	for _, rec := range recs {
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		now := time.Now()
		ok, err := e.store.CompareAndTransition(ctx, rec.ID,
			domain.StateInProcess, transitions[domain.StateInProcess],
			func(r *domain.ModerationRecord) {
				r.Resolution = domain.DecisionDecline
				r.ResolvedAt = now
			})
		if err != nil {
			return expired, fmt.Errorf("expire %s: %w", rec.ID, err)
		}
		if !ok {
			continue // a real decision got there first
		}

		metrics.Decisions.WithLabelValues("expire").Inc()
		metrics.RecordsInProcess.Dec()
		e.logger.Info("record expired", "id", rec.ID, "age", now.Sub(rec.CreatedAt))

		e.retract(ctx, rec.SentTo)
		if err := e.finalize(ctx, rec.ID); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// SyncMetrics aligns the in-process gauge with the store. Called at startup
// so records that persisted across a restart are counted.
func (e *Engine) SyncMetrics(ctx context.Context) error {
	recs, err := e.store.ListByState(ctx, domain.StateInProcess)
	if err != nil {
		return fmt.Errorf("sync metrics: %w", err)
	}
	metrics.RecordsInProcess.Set(float64(len(recs)))
	return nil
}

// retract deletes every delivered copy of a declined record.
func (e *Engine) retract(ctx context.Context, receipts []domain.Receipt) {
	for _, r := range receipts {
		dctx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
		err := e.gateway.DeleteMessage(dctx, r.ChatID, r.MessageID)
		cancel()
		if err != nil {
			e.logger.Warn("cannot retract forwarded copy",
				"chat_id", r.ChatID, "message_id", r.MessageID,
				"err", &domain.DeliveryError{ModeratorID: r.ModeratorID, Err: err})
		}
	}
}

// clearControls removes the accept/decline buttons from every delivered copy
// so they cannot fire again.
func (e *Engine) clearControls(ctx context.Context, receipts []domain.Receipt) {
	for _, r := range receipts {
		dctx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
		err := e.gateway.EditControls(dctx, r.ChatID, r.MessageID, nil)
		cancel()
		if err != nil {
			e.logger.Warn("cannot clear controls on forwarded copy",
				"chat_id", r.ChatID, "message_id", r.MessageID, "err", err)
		}
	}
}

func (e *Engine) finalize(ctx context.Context, recordID string) error {
	if e.keepResolved {
		return nil
	}
	if err := e.store.Delete(ctx, recordID); err != nil {
		return fmt.Errorf("finalize %s: %w", recordID, err)
	}
	return nil
}
