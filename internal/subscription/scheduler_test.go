package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bipupu/server/internal/database"
	"github.com/bipupu/server/internal/model"
	"github.com/bipupu/server/internal/store"
)

type staticProvider struct {
	content string
	err     error
}

func (p *staticProvider) Generate(_ context.Context, _ *model.Subscription, _ string) (string, error) {
	return p.content, p.err
}

type countingDeliverer struct {
	mu   sync.Mutex
	msgs []*model.Message
}

func (d *countingDeliverer) Deliver(_ context.Context, msg *model.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *countingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type schedFixture struct {
	scheduler *Scheduler
	subs      *store.SubscriptionStore
	messages  *store.MessageStore
	deliverer *countingDeliverer
}

func setupScheduler(t *testing.T) *schedFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &schedFixture{
		subs:      store.NewSubscriptionStore(db),
		messages:  store.NewMessageStore(db),
		deliverer: &countingDeliverer{},
	}
	f.scheduler = NewScheduler(f.subs, f.messages, f.deliverer, time.Minute, 7*24*time.Hour, slog.Default())
	return f
}

func (f *schedFixture) subscribe(t *testing.T, handle, category, start, end, tz string) {
	t.Helper()
	_, err := f.subs.Upsert(&model.Subscription{
		UserHandle:  handle,
		Category:    category,
		Enabled:     true,
		WindowStart: start,
		WindowEnd:   end,
		Timezone:    tz,
	})
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
}

func TestTickCreatesNotificationInWindow(t *testing.T) {
	f := setupScheduler(t)
	f.scheduler.RegisterProvider(model.CategoryFortune, &staticProvider{content: "today is fine"})
	f.subscribe(t, "00000001", model.CategoryFortune, "09:00", "09:30", "UTC")

	now := time.Date(2026, 9, 1, 9, 15, 0, 0, time.UTC)
	created, err := f.scheduler.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	if f.deliverer.count() != 1 {
		t.Errorf("delivered = %d, want 1", f.deliverer.count())
	}

	msg := f.deliverer.msgs[0]
	if msg.Sender != model.SystemSender || msg.MsgType != model.MsgTypeNotification {
		t.Errorf("msg = %+v, want system notification", msg)
	}
	if msg.Pattern[model.PatternKeyPushDate] != "2026-09-01" {
		t.Errorf("push date = %v, want 2026-09-01", msg.Pattern[model.PatternKeyPushDate])
	}
	if msg.ID == 0 {
		t.Error("delivered message should be persisted")
	}
}

func TestTickIsIdempotentWithinDay(t *testing.T) {
	f := setupScheduler(t)
	f.scheduler.RegisterProvider(model.CategoryFortune, &staticProvider{content: "x"})
	f.subscribe(t, "00000001", model.CategoryFortune, "00:00", "23:59", "UTC")

	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := f.scheduler.Tick(context.Background(), now.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if f.deliverer.count() != 1 {
		t.Errorf("delivered = %d, want 1 per day", f.deliverer.count())
	}

	// Next day generates again.
	created, err := f.scheduler.Tick(context.Background(), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("next-day tick: %v", err)
	}
	if created != 1 {
		t.Errorf("next day created = %d, want 1", created)
	}
}

func TestTickRespectsWindow(t *testing.T) {
	f := setupScheduler(t)
	f.scheduler.RegisterProvider(model.CategoryFortune, &staticProvider{content: "x"})
	// 09:00-09:30 Shanghai is 01:00-01:30 UTC.
	f.subscribe(t, "00000001", model.CategoryFortune, "09:00", "09:30", "Asia/Shanghai")

	outside := time.Date(2026, 9, 1, 9, 15, 0, 0, time.UTC)
	created, err := f.scheduler.Tick(context.Background(), outside)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d outside window, want 0", created)
	}

	inside := time.Date(2026, 9, 1, 1, 15, 0, 0, time.UTC)
	created, err = f.scheduler.Tick(context.Background(), inside)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d inside window, want 1", created)
	}
}

func TestTickMidnightWrapWindow(t *testing.T) {
	f := setupScheduler(t)
	f.scheduler.RegisterProvider(model.CategoryFortune, &staticProvider{content: "x"})
	f.subscribe(t, "00000001", model.CategoryFortune, "22:00", "06:00", "UTC")

	for _, c := range []struct {
		hour, min int
		want      int
	}{
		{23, 30, 1}, // late evening, first hit of the day
		{12, 0, 0},  // midday, outside
	} {
		now := time.Date(2026, 9, 1, c.hour, c.min, 0, 0, time.UTC)
		created, err := f.scheduler.Tick(context.Background(), now)
		if err != nil {
			t.Fatalf("tick at %02d:%02d: %v", c.hour, c.min, err)
		}
		if created != c.want {
			t.Errorf("tick at %02d:%02d created %d, want %d", c.hour, c.min, created, c.want)
		}
	}
}

func TestTickSkipsFailingProvider(t *testing.T) {
	f := setupScheduler(t)
	f.scheduler.RegisterProvider(model.CategoryWeather, &staticProvider{err: errors.New("upstream down")})
	f.scheduler.RegisterProvider(model.CategoryFortune, &staticProvider{content: "fine"})
	f.subscribe(t, "00000001", model.CategoryWeather, "00:00", "23:59", "UTC")
	f.subscribe(t, "00000001", model.CategoryFortune, "00:00", "23:59", "UTC")

	created, err := f.scheduler.Tick(context.Background(), time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1 (failed category skipped)", created)
	}
}

func TestTickIgnoresDisabledSubscriptions(t *testing.T) {
	f := setupScheduler(t)
	f.scheduler.RegisterProvider(model.CategoryFortune, &staticProvider{content: "x"})
	f.subscribe(t, "00000001", model.CategoryFortune, "00:00", "23:59", "UTC")
	if err := f.subs.SetEnabled("00000001", model.CategoryFortune, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	created, err := f.scheduler.Tick(context.Background(), time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d for disabled subscription, want 0", created)
	}
}

func TestStartStop(t *testing.T) {
	f := setupScheduler(t)

	if err := f.scheduler.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stop before start: err = %v, want ErrNotRunning", err)
	}

	if err := f.scheduler.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.scheduler.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("double start: err = %v, want ErrAlreadyRunning", err)
	}

	if err := f.scheduler.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.scheduler.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("double stop: err = %v, want ErrNotRunning", err)
	}
}
