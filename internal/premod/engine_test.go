package premod

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"modbot/internal/domain"
	"modbot/internal/metrics"
	"modbot/internal/sender"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeStore is an in-memory MessageStore with the same linearizable
// compare-and-transition semantics as the SQLite store.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]domain.ModerationRecord
	fail    bool // force StoreUnavailable-class errors
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]domain.ModerationRecord{}}
}

func (s *fakeStore) Create(ctx context.Context, rec domain.ModerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	if _, ok := s.records[rec.ID]; ok {
		return domain.ErrDuplicateID
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*domain.ModerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("store unavailable")
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeStore) CompareAndTransition(ctx context.Context, id string, expect, next domain.RecordState, mutate func(*domain.ModerationRecord)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false, errors.New("store unavailable")
	}
	rec, ok := s.records[id]
	if !ok || rec.State != expect {
		return false, nil
	}
	if mutate != nil {
		mutate(&rec)
	}
	rec.State = next
	s.records[id] = rec
	return true, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeStore) ListByState(ctx context.Context, state domain.RecordState) ([]domain.ModerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("store unavailable")
	}
	var recs []domain.ModerationRecord
	for _, rec := range s.records {
		if rec.State == state {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *fakeStore) Close() error { return nil }

type fakeRoster struct {
	mods    []domain.Moderator
	listErr error // force List to fail
}

func (r *fakeRoster) List(ctx context.Context) ([]domain.Moderator, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]domain.Moderator(nil), r.mods...), nil
}
func (r *fakeRoster) Add(ctx context.Context, m domain.Moderator) error { return nil }
func (r *fakeRoster) Remove(ctx context.Context, id int64) error        { return nil }
func (r *fakeRoster) RemoveByUsername(ctx context.Context, u string) error {
	return nil
}
func (r *fakeRoster) GetByID(ctx context.Context, id int64) (*domain.Moderator, error) {
	for _, m := range r.mods {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, nil
}

type sentMessage struct {
	ChatID  int64
	Text    string
	Media   string
	Receipt domain.DeliveryReceipt
}

// fakeGateway records deliveries and can simulate per-chat failures.
type fakeGateway struct {
	mu        sync.Mutex
	nextMsgID int
	sent      []sentMessage
	deleted   []domain.DeliveryReceipt
	cleared   []domain.DeliveryReceipt
	failFor   map[int64]bool // chat ids whose sends fail
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failFor: map[int64]bool{}}
}

func (g *fakeGateway) SendText(ctx context.Context, chatID int64, text string, controls *domain.Controls) (domain.DeliveryReceipt, error) {
	return g.deliver(chatID, text, "")
}

func (g *fakeGateway) SendMedia(ctx context.Context, chatID int64, mediaType domain.MessageType, mediaRef, caption string, controls *domain.Controls) (domain.DeliveryReceipt, error) {
	return g.deliver(chatID, caption, mediaRef)
}

func (g *fakeGateway) deliver(chatID int64, text, media string) (domain.DeliveryReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFor[chatID] {
		return domain.DeliveryReceipt{}, errors.New("send failed")
	}
	g.nextMsgID++
	receipt := domain.DeliveryReceipt{ChatID: chatID, MessageID: g.nextMsgID}
	g.sent = append(g.sent, sentMessage{ChatID: chatID, Text: text, Media: media, Receipt: receipt})
	return receipt, nil
}

func (g *fakeGateway) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, domain.DeliveryReceipt{ChatID: chatID, MessageID: messageID})
	return nil
}

func (g *fakeGateway) EditControls(ctx context.Context, chatID int64, messageID int, controls *domain.Controls) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, domain.DeliveryReceipt{ChatID: chatID, MessageID: messageID})
	return nil
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store domain.MessageStore, roster domain.ModeratorRoster, gw domain.Gateway, keep bool) *Engine {
	return New(Config{
		Store:           store,
		Roster:          roster,
		Gateway:         gw,
		Resolver:        sender.NewResolver(testLogger()),
		Logger:          testLogger(),
		KeepResolved:    keep,
		DeliveryTimeout: time.Second,
	})
}

func textMessage(chatID int64, messageID int, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ChatID:    chatID,
		MessageID: messageID,
		ChatKind:  domain.ChatSupergroup,
		Type:      domain.TypeText,
		Text:      text,
		From:      &domain.UserInfo{ID: 42, Username: "alice"},
	}
}

func threeMods() *fakeRoster {
	return &fakeRoster{mods: []domain.Moderator{
		{ID: 1001, Username: "mod1", Signature: "-- mod1"},
		{ID: 1002, Username: "mod2", Signature: "-- mod2"},
		{ID: 1003, Username: "mod3"},
	}}
}

func TestIngest_TextMessage(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec, err := store.Get(context.Background(), "100!7")
	if err != nil || rec == nil {
		t.Fatalf("record 100!7 not found: %v", err)
	}
	if rec.State != domain.StateInProcess {
		t.Fatalf("expected IN_PROCESS, got %s", rec.State)
	}
	if len(rec.SentTo) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(rec.SentTo))
	}
	if rec.SenderID != "42" {
		t.Fatalf("expected sender 42, got %q", rec.SenderID)
	}

	// Every copy carries the content plus the deep link to the sender.
	for _, sent := range gw.sent {
		if !strings.HasPrefix(sent.Text, "hello\n\n[alice](tg://user?id=42)") {
			t.Fatalf("forwarded copy missing sender link: %q", sent.Text)
		}
	}
	// Per-moderator signatures are appended. Fan-out order across moderators
	// is not deterministic, so look the copy up by chat.
	for _, sent := range gw.sent {
		if sent.ChatID == 1001 && !strings.HasSuffix(sent.Text, "-- mod1") {
			t.Fatalf("expected mod1 signature, got %q", sent.Text)
		}
	}
	// Receipts come back in roster order regardless of delivery order.
	for i, want := range []int64{1001, 1002, 1003} {
		if rec.SentTo[i].ModeratorID != want {
			t.Fatalf("receipt %d: expected moderator %d, got %d", i, want, rec.SentTo[i].ModeratorID)
		}
	}

	// The original is removed from the source chat.
	if len(gw.deleted) != 1 || gw.deleted[0].ChatID != 100 || gw.deleted[0].MessageID != 7 {
		t.Fatalf("expected original 100/7 deleted, got %+v", gw.deleted)
	}
}

func TestIngest_IgnoresNonGroupChats(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	msg := textMessage(100, 7, "hello")
	msg.ChatKind = domain.ChatPrivate
	if err := eng.Ingest(context.Background(), msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(store.records) != 0 || gw.sentCount() != 0 {
		t.Fatal("private chat message must be ignored")
	}
}

func TestIngest_IgnoresUnsupportedType(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	msg := textMessage(100, 7, "")
	msg.Type = domain.MessageType("sticker")
	if err := eng.Ingest(context.Background(), msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(store.records) != 0 {
		t.Fatal("unsupported type must be ignored")
	}
}

func TestIngest_DuplicateIsNoop(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	msg := textMessage(100, 7, "hello")
	if err := eng.Ingest(context.Background(), msg); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	before := gw.sentCount()
	if err := eng.Ingest(context.Background(), msg); err != nil {
		t.Fatalf("duplicate ingest must not fail: %v", err)
	}
	if gw.sentCount() != before {
		t.Fatal("duplicate ingest must not fan out again")
	}
}

func TestIngest_PartialDeliveryFailure(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	gw.failFor[1002] = true
	eng := newTestEngine(store, threeMods(), gw, true)

	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec, _ := store.Get(context.Background(), "100!7")
	if rec.State != domain.StateInProcess {
		t.Fatalf("partial failure must not block the record, state=%s", rec.State)
	}
	if len(rec.SentTo) != 2 {
		t.Fatalf("expected 2 receipts after one failure, got %d", len(rec.SentTo))
	}
	for _, r := range rec.SentTo {
		if r.ModeratorID == 1002 {
			t.Fatal("failed delivery must not produce a receipt")
		}
	}
}

func TestIngest_RosterUnavailableAbortsIngest(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	roster := threeMods()
	roster.listErr = errors.New("roster unavailable")
	eng := newTestEngine(store, roster, gw, true)

	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err == nil {
		t.Fatal("unreadable roster must fail the ingest")
	}

	// The operation aborts whole: no record is left behind (so a retry can
	// re-ingest), nothing is forwarded, and the original stays in the chat.
	rec, err := store.Get(context.Background(), "100!7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("failed ingest must not leave a record, got %+v", rec)
	}
	if gw.sentCount() != 0 {
		t.Fatal("failed ingest must not deliver copies")
	}
	if len(gw.deleted) != 0 {
		t.Fatalf("failed ingest must not delete the original, deleted %+v", gw.deleted)
	}

	// With the roster back, a retry goes through.
	roster.listErr = nil
	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err != nil {
		t.Fatalf("retry after roster recovery: %v", err)
	}
	rec, _ = store.Get(context.Background(), "100!7")
	if rec == nil || rec.State != domain.StateInProcess || len(rec.SentTo) != 3 {
		t.Fatalf("retry did not complete ingest: %+v", rec)
	}
}

func TestIngest_MediaMessage(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	msg := domain.InboundMessage{
		ChatID:    100,
		MessageID: 8,
		ChatKind:  domain.ChatGroup,
		Type:      domain.TypePhoto,
		Text:      "look at this",
		MediaRef:  "file-abc",
		From:      &domain.UserInfo{ID: 42, Username: "alice"},
	}
	if err := eng.Ingest(context.Background(), msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if gw.sent[0].Media != "file-abc" {
		t.Fatalf("expected media forwarded, got %+v", gw.sent[0])
	}
}

func TestDecide_Decline(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, false)

	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	gw.deleted = nil // drop the original-message deletion from ingest

	if err := eng.Decide(context.Background(), "100!7", 1001, domain.DecisionDecline); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if len(gw.deleted) != 3 {
		t.Fatalf("decline must retract all 3 copies, deleted %d", len(gw.deleted))
	}
	rec, _ := store.Get(context.Background(), "100!7")
	if rec != nil {
		t.Fatal("resolved record should be deleted when keepResolved is off")
	}
}

func TestDecide_AcceptKeepsCopies(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	gw.deleted = nil

	if err := eng.Decide(context.Background(), "100!7", 1002, domain.DecisionAccept); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if len(gw.deleted) != 0 {
		t.Fatal("accept must not retract delivered copies")
	}
	if len(gw.cleared) != 3 {
		t.Fatalf("accept must clear controls on all copies, cleared %d", len(gw.cleared))
	}
	rec, _ := store.Get(context.Background(), "100!7")
	if rec == nil || rec.State != domain.StateDone {
		t.Fatalf("expected retained DONE record, got %+v", rec)
	}
	if rec.Resolution != domain.DecisionAccept || rec.ResolvedBy != 1002 {
		t.Fatalf("resolution audit wrong: %+v", rec)
	}
}

func TestDecide_SecondDecisionIsStale(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := eng.Decide(context.Background(), "100!7", 1001, domain.DecisionAccept); err != nil {
		t.Fatalf("first decide: %v", err)
	}

	deleted, cleared := len(gw.deleted), len(gw.cleared)
	err := eng.Decide(context.Background(), "100!7", 1002, domain.DecisionDecline)
	if !errors.Is(err, domain.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	if len(gw.deleted) != deleted || len(gw.cleared) != cleared {
		t.Fatal("stale decision must not trigger gateway calls")
	}
}

func TestDecide_MissingRecordIsStale(t *testing.T) {
	eng := newTestEngine(newFakeStore(), threeMods(), newFakeGateway(), true)
	err := eng.Decide(context.Background(), "100!99", 1001, domain.DecisionAccept)
	if !errors.Is(err, domain.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
}

func TestDecide_UnknownDecisionRejected(t *testing.T) {
	eng := newTestEngine(newFakeStore(), threeMods(), newFakeGateway(), true)
	if err := eng.Decide(context.Background(), "100!7", 1001, domain.Decision("maybe")); err == nil {
		t.Fatal("expected error for unknown decision")
	}
}

func TestDecide_ConcurrentExactlyOneWinner(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := domain.DecisionAccept
			if i%2 == 1 {
				decision = domain.DecisionDecline
			}
			errs[i] = eng.Decide(context.Background(), "100!7", int64(1001+i%3), decision)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrStaleTransition):
			// expected for the losers
		default:
			t.Fatalf("racer %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning decision, got %d", winners)
	}

	rec, _ := store.Get(context.Background(), "100!7")
	if rec == nil || rec.State != domain.StateDone {
		t.Fatalf("expected DONE record after race, got %+v", rec)
	}
}

func TestExpireStale(t *testing.T) {
	store := newFakeStore()
	gw := newFakeGateway()
	eng := newTestEngine(store, threeMods(), gw, true)

	for i := 0; i < 3; i++ {
		msg := textMessage(100, 10+i, fmt.Sprintf("msg %d", i))
		if err := eng.Ingest(context.Background(), msg); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	// Age two of the three records past the horizon.
	store.mu.Lock()
	for _, id := range []string{"100!10", "100!11"} {
		rec := store.records[id]
		rec.CreatedAt = time.Now().Add(-2 * time.Hour)
		store.records[id] = rec
	}
	store.mu.Unlock()
	gw.deleted = nil

	n, err := eng.ExpireStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired records, got %d", n)
	}
	if len(gw.deleted) != 6 {
		t.Fatalf("expected 6 retracted copies, got %d", len(gw.deleted))
	}

	fresh, _ := store.Get(context.Background(), "100!12")
	if fresh == nil || fresh.State != domain.StateInProcess {
		t.Fatalf("fresh record must survive expiry, got %+v", fresh)
	}
	for _, id := range []string{"100!10", "100!11"} {
		rec, _ := store.Get(context.Background(), id)
		if rec == nil || rec.State != domain.StateDone || rec.Resolution != domain.DecisionDecline {
			t.Fatalf("expired record %s not declined: %+v", id, rec)
		}
	}
}

func TestSyncMetrics_SeedsGaugeFromStore(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, threeMods(), newFakeGateway(), true)

	for i := 0; i < 2; i++ {
		rec := domain.ModerationRecord{
			ID:        domain.RecordID(100, 20+i),
			Type:      domain.TypeText,
			State:     domain.StateInProcess,
			CreatedAt: time.Now(),
		}
		if err := store.Create(context.Background(), rec); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	if err := eng.SyncMetrics(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := testutil.ToFloat64(metrics.RecordsInProcess); got != 2 {
		t.Fatalf("expected gauge 2 after seeding, got %v", got)
	}

	store.fail = true
	if err := eng.SyncMetrics(context.Background()); err == nil {
		t.Fatal("store failure must surface from SyncMetrics")
	}
}

func TestIngest_StoreFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	eng := newTestEngine(store, threeMods(), newFakeGateway(), true)
	if err := eng.Ingest(context.Background(), textMessage(100, 7, "hello")); err == nil {
		t.Fatal("store failure must abort ingest")
	}
}
