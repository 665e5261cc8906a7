package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bipupu/server/internal/database"
	"github.com/bipupu/server/internal/model"
	"github.com/bipupu/server/internal/store"
)

type fakeBroker struct {
	mu        sync.Mutex
	published []string
	unread    map[string]int64
	allowed   bool
	allowErr  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{unread: make(map[string]int64), allowed: true}
}

func (f *fakeBroker) PublishMessage(_ context.Context, _, receiver string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, receiver)
	return nil
}

func (f *fakeBroker) IncrUnread(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[handle]++
	return nil
}

func (f *fakeBroker) SetUnread(_ context.Context, handle string, count int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[handle] = count
	return nil
}

func (f *fakeBroker) Allow(_ context.Context, _ string, _ int64, _ time.Duration) (bool, error) {
	return f.allowed, f.allowErr
}

func (f *fakeBroker) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakePusher struct {
	mu       sync.Mutex
	payloads [][]byte
	accept   bool
}

func (f *fakePusher) Push(_ string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.accept
}

type fakeRouter struct {
	routed []*model.Message
}

func (f *fakeRouter) Route(_ context.Context, _ *model.User, msg *model.Message) {
	f.routed = append(f.routed, msg)
}

type fixture struct {
	dispatcher *Dispatcher
	users      *store.UserStore
	messages   *store.MessageStore
	services   *store.ServiceAccountStore
	broker     *fakeBroker
	pusher     *fakePusher
	router     *fakeRouter
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		users:    store.NewUserStore(db),
		messages: store.NewMessageStore(db),
		services: store.NewServiceAccountStore(db),
		broker:   newFakeBroker(),
		pusher:   &fakePusher{accept: true},
		router:   &fakeRouter{},
	}
	f.dispatcher = New(f.users, f.messages, f.services, store.NewPushStore(db), f.broker, f.pusher, slog.Default())
	f.dispatcher.SetServiceRouter(f.router)
	return f
}

func mustUser(t *testing.T, f *fixture, handle string) *model.User {
	t.Helper()
	u, err := f.users.Create(handle, "")
	if err != nil {
		t.Fatalf("create user %s: %v", handle, err)
	}
	return u
}

func TestSendPersistsPublishesAndPushes(t *testing.T) {
	f := setup(t)
	sender := mustUser(t, f, "00000001")
	mustUser(t, f, "00000002")

	msg, err := f.dispatcher.Send(context.Background(), sender, SendRequest{
		Receiver: "00000002",
		Content:  "hello",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == 0 {
		t.Error("expected persisted message id")
	}
	if msg.MsgType != model.MsgTypeNormal {
		t.Errorf("msg type = %q, want normal", msg.MsgType)
	}

	if f.broker.publishCount() != 1 {
		t.Errorf("published = %d, want 1", f.broker.publishCount())
	}
	if f.broker.unread["00000002"] != 1 {
		t.Errorf("unread = %d, want 1", f.broker.unread["00000002"])
	}

	if len(f.pusher.payloads) != 1 {
		t.Fatalf("local pushes = %d, want 1", len(f.pusher.payloads))
	}
	var frame struct {
		Type    string `json:"type"`
		Payload struct {
			Sender  string `json:"sender"`
			Content string `json:"content"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(f.pusher.payloads[0], &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "new_message" || frame.Payload.Content != "hello" {
		t.Errorf("frame = %+v, want new_message/hello", frame)
	}

	// Local acceptance marks the row delivered.
	stored, _ := f.messages.GetByID(msg.ID)
	if stored.DeliveredAt == nil {
		t.Error("expected delivered_at set after local push")
	}
}

func TestSendValidation(t *testing.T) {
	f := setup(t)
	sender := mustUser(t, f, "00000001")

	_, err := f.dispatcher.Send(context.Background(), sender, SendRequest{Receiver: "00000002"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("empty content: err = %v, want ErrValidation", err)
	}

	_, err = f.dispatcher.Send(context.Background(), sender, SendRequest{Content: "hi"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("empty receiver: err = %v, want ErrValidation", err)
	}
}

func TestSendUnknownReceiver(t *testing.T) {
	f := setup(t)
	sender := mustUser(t, f, "00000001")

	_, err := f.dispatcher.Send(context.Background(), sender, SendRequest{
		Receiver: "99999999",
		Content:  "hi",
	})
	if !errors.Is(err, ErrReceiverNotFound) {
		t.Errorf("err = %v, want ErrReceiverNotFound", err)
	}
}

func TestSendRateLimited(t *testing.T) {
	f := setup(t)
	sender := mustUser(t, f, "00000001")
	mustUser(t, f, "00000002")

	f.broker.allowed = false
	_, err := f.dispatcher.Send(context.Background(), sender, SendRequest{
		Receiver: "00000002",
		Content:  "hi",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}

	// A broker outage must not block sends.
	f.broker.allowed = false
	f.broker.allowErr = errors.New("connection refused")
	if _, err := f.dispatcher.Send(context.Background(), sender, SendRequest{
		Receiver: "00000002",
		Content:  "hi",
	}); err != nil {
		t.Errorf("send during broker outage: %v", err)
	}
}

func TestSendToBlockingReceiverIsSilentlyDiscarded(t *testing.T) {
	f := setup(t)
	sender := mustUser(t, f, "00000001")
	mustUser(t, f, "00000002")
	if err := f.users.Block("00000002", "00000001"); err != nil {
		t.Fatalf("block: %v", err)
	}

	msg, err := f.dispatcher.Send(context.Background(), sender, SendRequest{
		Receiver: "00000002",
		Content:  "hi",
	})
	if err != nil {
		t.Fatalf("send to blocker must look like success, got %v", err)
	}
	if msg == nil || msg.Content != "hi" || msg.CreatedAt.IsZero() {
		t.Errorf("ack = %+v, want success-shaped message", msg)
	}

	// Nothing persisted, nothing delivered.
	count, _ := f.messages.CountUnread("00000002")
	if count != 0 {
		t.Errorf("unread = %d, want 0", count)
	}
	if f.broker.publishCount() != 0 {
		t.Error("blocked message must not be published")
	}
	if len(f.pusher.payloads) != 0 {
		t.Error("blocked message must not be pushed")
	}
}

func TestSendToServiceAccountRoutes(t *testing.T) {
	f := setup(t)
	sender := mustUser(t, f, "00000001")

	msg, err := f.dispatcher.Send(context.Background(), sender, SendRequest{
		Receiver: "cosmic.fortune",
		Content:  "TD",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == 0 {
		t.Error("inbound service message should be persisted")
	}
	if len(f.router.routed) != 1 || f.router.routed[0].ID != msg.ID {
		t.Errorf("routed = %+v, want the persisted message", f.router.routed)
	}
	// No direct fan-out for service-addressed messages.
	if f.broker.publishCount() != 0 {
		t.Error("service-addressed message must not be published directly")
	}
}

func TestReplyDelivers(t *testing.T) {
	f := setup(t)
	mustUser(t, f, "00000001")

	msg, err := f.dispatcher.Reply(context.Background(), "cosmic.fortune", "00000001", "your fortune", nil)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if msg.MsgType != model.MsgTypeService {
		t.Errorf("msg type = %q, want service", msg.MsgType)
	}
	if f.broker.publishCount() != 1 || len(f.pusher.payloads) != 1 {
		t.Error("reply should publish and push")
	}
}

func TestBroadcastFromService(t *testing.T) {
	f := setup(t)
	mustUser(t, f, "00000001")
	mustUser(t, f, "00000002")
	f.services.Create("cosmic.fortune", "")
	f.services.AddSubscriber("cosmic.fortune", "00000001")
	f.services.AddSubscriber("cosmic.fortune", "00000002")

	n, err := f.dispatcher.BroadcastFromService(context.Background(), "cosmic.fortune", "mercury retrograde", nil)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if n != 2 {
		t.Errorf("reached = %d, want 2", n)
	}

	_, err = f.dispatcher.BroadcastFromService(context.Background(), "no.such", "x", nil)
	if !errors.Is(err, ErrReceiverNotFound) {
		t.Errorf("unknown service: err = %v, want ErrReceiverNotFound", err)
	}
}

func TestMarkAllReadRecomputesCounter(t *testing.T) {
	f := setup(t)
	sender := mustUser(t, f, "00000001")
	mustUser(t, f, "00000002")

	for i := 0; i < 3; i++ {
		if _, err := f.dispatcher.Send(context.Background(), sender, SendRequest{
			Receiver: "00000002",
			Content:  "m",
		}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	// Simulate incremental drift in the cached counter.
	f.broker.unread["00000002"] = 7

	n, err := f.dispatcher.MarkAllRead(context.Background(), "00000002")
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}
	if f.broker.unread["00000002"] != 0 {
		t.Errorf("cached unread = %d, want recomputed 0", f.broker.unread["00000002"])
	}
}
