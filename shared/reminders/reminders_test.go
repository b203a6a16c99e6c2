package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacebook/internal/events"
	"spacebook/internal/ledger"
	"spacebook/internal/model"
)

// MockNotifier records deliveries and fails with err when set.
type MockNotifier struct {
	mu    sync.Mutex
	sent  []*Reminder
	err   error
	calls int
}

func (m *MockNotifier) SendReminder(ctx context.Context, r *Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, r)
	return nil
}

func (m *MockNotifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type harness struct {
	bus      *events.EventBus
	ledger   *ledger.Memory
	store    *Store
	notifier *MockNotifier
	sched    *Scheduler
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func testSenderConfig() ReminderSenderConfig {
	return ReminderSenderConfig{
		RateLimiter: RateLimiterConfig{Rate: 1000, Burst: 100},
		Retry:       RetryConfig{MaxRetries: 2, RetryDelays: []time.Duration{time.Millisecond}},
	}
}

func newHarness(t *testing.T, l *ledger.Memory, bus *events.EventBus) *harness {
	t.Helper()
	if bus == nil {
		bus = events.NewEventBus()
	}
	if l == nil {
		l = ledger.NewMemory(bus)
	}
	store := NewStore(l, nil, nil)
	notifier := &MockNotifier{}
	sender := NewReminderSender(notifier, store, testSenderConfig(), nil, zerolog.Nop())
	cfg := SchedulerConfig{SweepInterval: time.Hour, CleanupEnabled: true, CleanupRetention: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		bus:      bus,
		ledger:   l,
		store:    store,
		notifier: notifier,
		sched:    NewScheduler(cfg, store, sender, bus, model.RealClock{}, nil, zerolog.Nop()),
		ctx:      ctx,
		cancel:   cancel,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.sched.Start(h.ctx)
	}()
	require.Eventually(t, h.sched.IsRunning, time.Second, 5*time.Millisecond)
}

func (h *harness) stop() {
	h.cancel()
	if h.done != nil {
		<-h.done
	}
}

func (h *harness) waitStatus(t *testing.T, id string, want ReminderStatus) *Reminder {
	t.Helper()
	var got *Reminder
	require.Eventually(t, func() bool {
		r, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func payload(id, owner string, start time.Time) Payload {
	return Payload{ReservationID: id, OwnerID: owner, Space: model.SpaceMeetingRoom, StartTime: start}
}

func TestStoreTryAcquire(t *testing.T) {
	ctx := context.Background()
	store := NewStore(ledger.NewMemory(nil), nil, nil)
	now := time.Now().Truncate(time.Second)

	r := &Reminder{
		ID:      "r1",
		Payload: payload("r1", "u1", now.Add(time.Hour)),
		FireAt:  now.Add(-time.Minute),
		Status:  ReminderStatusPending,
	}
	require.NoError(t, store.Save(ctx, r))

	got, acquired, err := store.TryAcquire(ctx, "r1", now)
	require.NoError(t, err)
	assert.True(t, acquired, "First acquire should succeed")
	assert.Equal(t, ReminderStatusProcessing, got.Status)

	_, acquired, err = store.TryAcquire(ctx, "r1", now)
	require.NoError(t, err)
	assert.False(t, acquired, "Second acquire should fail")

	_, acquired, err = store.TryAcquire(ctx, "missing", now)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestStoreTryAcquireNotDue(t *testing.T) {
	ctx := context.Background()
	store := NewStore(ledger.NewMemory(nil), nil, nil)
	now := time.Now().Truncate(time.Second)

	require.NoError(t, store.Save(ctx, &Reminder{
		ID:      "r1",
		Payload: payload("r1", "u1", now.Add(2*time.Hour)),
		FireAt:  now.Add(time.Hour),
		Status:  ReminderStatusPending,
	}))

	_, acquired, err := store.TryAcquire(ctx, "r1", now)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestStoreTransition(t *testing.T) {
	ctx := context.Background()
	stamped := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewStore(ledger.NewMemory(nil), nil, model.FixedClock{At: stamped})
	now := time.Now().Truncate(time.Second)

	require.NoError(t, store.Save(ctx, &Reminder{
		ID:      "r1",
		Payload: payload("r1", "u1", now),
		FireAt:  now,
		Status:  ReminderStatusSent,
	}))

	ok, err := store.Transition(ctx, "r1", ReminderStatusCancelled, "x", ReminderStatusPending)
	require.NoError(t, err)
	assert.False(t, ok, "sent reminders are final")

	ok, err = store.Transition(ctx, "r1", ReminderStatusCancelled, "x")
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ReminderStatusCancelled, r.Status)
	assert.Equal(t, "x", r.LastError)
	assert.True(t, stamped.Equal(r.UpdatedAt))
}

func TestStoreFinishIgnoresReplacedReminder(t *testing.T) {
	ctx := context.Background()
	store := NewStore(ledger.NewMemory(nil), nil, nil)
	now := time.Now().Truncate(time.Second)

	r := &Reminder{ID: "r1", Payload: payload("r1", "u1", now), FireAt: now, Status: ReminderStatusPending}
	require.NoError(t, store.Save(ctx, r))

	done := *r
	done.Status = ReminderStatusSent
	require.NoError(t, store.Finish(ctx, &done))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ReminderStatusPending, got.Status)
}

func TestScheduleAtReplacesByDedupeKey(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	ctx := context.Background()
	start := time.Now().Add(3 * time.Hour).Truncate(time.Second)

	require.NoError(t, h.sched.ScheduleAt(ctx, start.Add(-time.Hour), payload("b1", "u1", start), "b1"))
	require.NoError(t, h.sched.ScheduleAt(ctx, start.Add(-30*time.Minute), payload("b1", "u1", start), "b1"))

	list, err := h.store.FindByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].FireAt.Equal(start.Add(-30*time.Minute)))
	assert.Equal(t, 1, h.sched.Armed())
}

func TestScheduleAtRejectsEmptyKey(t *testing.T) {
	h := newHarness(t, nil, nil)
	err := h.sched.ScheduleAt(context.Background(), time.Now(), Payload{}, "")
	assert.Error(t, err)
}

func TestReminderDelivered(t *testing.T) {
	h := newHarness(t, nil, nil)
	fired := make(chan events.Event, 1)
	h.bus.Subscribe(events.TypeReminderFired, func(e events.Event) error {
		fired <- e
		return nil
	})
	h.start(t)

	start := time.Now().Add(time.Hour)
	require.NoError(t, h.sched.ScheduleAt(context.Background(), time.Now().Add(20*time.Millisecond), payload("b1", "u1", start), "b1"))

	r := h.waitStatus(t, "b1", ReminderStatusSent)
	assert.NotNil(t, r.SentAt)
	assert.Equal(t, 1, h.notifier.Calls())

	select {
	case e := <-fired:
		assert.Equal(t, "u1", e.Topic)
		assert.Equal(t, "b1", e.Key)
		var p Payload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		assert.Equal(t, "b1", p.ReservationID)
		assert.Equal(t, model.SpaceMeetingRoom, p.Space)
	case <-time.After(time.Second):
		t.Fatal("reminder.fired event not published")
	}
}

func TestPastDueReminderFiresBeforeStart(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)

	start := time.Now().Add(10 * time.Minute)
	require.NoError(t, h.sched.ScheduleAt(context.Background(), start.Add(-LeadTime), payload("b1", "u1", start), "b1"))

	h.waitStatus(t, "b1", ReminderStatusSent)
	assert.Equal(t, 1, h.notifier.Calls())
}

func TestPastDueReminderSuppressedAfterStart(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)

	start := time.Now().Add(-5 * time.Minute)
	require.NoError(t, h.sched.ScheduleAt(context.Background(), start.Add(-LeadTime), payload("b1", "u1", start), "b1"))

	r := h.waitStatus(t, "b1", ReminderStatusCancelled)
	assert.Equal(t, "reservation_started", r.LastError)
	assert.Equal(t, 0, h.notifier.Calls())
}

type fixedChecker struct {
	active map[string]bool
}

func (c fixedChecker) IsActive(_ context.Context, id string) (bool, error) {
	return c.active[id], nil
}

func TestCancelledReservationSuppressed(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.sched.SetReservationChecker(fixedChecker{active: map[string]bool{"b2": true}})
	h.start(t)
	ctx := context.Background()

	start := time.Now().Add(time.Hour)
	require.NoError(t, h.sched.ScheduleAt(ctx, time.Now(), payload("b1", "u1", start), "b1"))
	require.NoError(t, h.sched.ScheduleAt(ctx, time.Now(), payload("b2", "u1", start), "b2"))

	r := h.waitStatus(t, "b1", ReminderStatusCancelled)
	assert.Equal(t, "reservation_cancelled", r.LastError)
	h.waitStatus(t, "b2", ReminderStatusSent)
	assert.Equal(t, 1, h.notifier.Calls())
}

func TestCancelRetractsAlarm(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	ctx := context.Background()
	start := time.Now().Add(2 * time.Hour)

	require.NoError(t, h.sched.ScheduleAt(ctx, start.Add(-LeadTime), payload("b1", "u1", start), "b1"))
	require.Equal(t, 1, h.sched.Armed())

	require.NoError(t, h.sched.Cancel(ctx, "b1"))
	assert.Equal(t, 0, h.sched.Armed())

	r, err := h.store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, ReminderStatusCancelled, r.Status)

	// unknown keys are ignored
	assert.NoError(t, h.sched.Cancel(ctx, "nope"))
}

func TestCancelForOwner(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	ctx := context.Background()
	start := time.Now().Add(2 * time.Hour)

	require.NoError(t, h.sched.ScheduleAt(ctx, start.Add(-LeadTime), payload("b1", "u1", start), "b1"))
	require.NoError(t, h.sched.ScheduleAt(ctx, start.Add(-LeadTime), payload("b2", "u1", start), "b2"))
	require.NoError(t, h.sched.ScheduleAt(ctx, start.Add(-LeadTime), payload("b3", "u2", start), "b3"))

	n, err := h.sched.CancelForOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, h.sched.Armed())

	r, err := h.store.Get(ctx, "b3")
	require.NoError(t, err)
	assert.Equal(t, ReminderStatusPending, r.Status)
}

func TestRestoreAfterRestart(t *testing.T) {
	bus := events.NewEventBus()
	l := ledger.NewMemory(bus)
	ctx := context.Background()
	start := time.Now().Add(time.Hour)

	// scheduled while no scheduler was running
	first := newHarness(t, l, bus)
	require.NoError(t, first.sched.ScheduleAt(ctx, time.Now(), payload("b1", "u1", start), "b1"))
	assert.Equal(t, 0, first.sched.Armed())

	// interrupted mid-delivery
	require.NoError(t, first.store.Save(ctx, &Reminder{
		ID:      "b2",
		Payload: payload("b2", "u1", start),
		FireAt:  time.Now().Add(-time.Minute),
		Status:  ReminderStatusProcessing,
	}))

	second := newHarness(t, l, bus)
	second.start(t)

	second.waitStatus(t, "b1", ReminderStatusSent)
	second.waitStatus(t, "b2", ReminderStatusSent)
	assert.Equal(t, 2, second.notifier.Calls())
}

func TestSendBlockedByUser(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.notifier.err = &TelegramError{Code: 403, Message: "Forbidden: bot was blocked by the user"}
	h.start(t)

	start := time.Now().Add(time.Hour)
	require.NoError(t, h.sched.ScheduleAt(context.Background(), time.Now(), payload("b1", "u1", start), "b1"))

	r := h.waitStatus(t, "b1", ReminderStatusFailed)
	assert.Equal(t, "user_blocked", r.LastError)
	assert.Equal(t, 1, h.notifier.Calls(), "403 is not retried")
}

func TestSendRetriesThenFails(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.notifier.err = errors.New("network down")
	h.start(t)

	start := time.Now().Add(time.Hour)
	require.NoError(t, h.sched.ScheduleAt(context.Background(), time.Now(), payload("b1", "u1", start), "b1"))

	r := h.waitStatus(t, "b1", ReminderStatusFailed)
	assert.Equal(t, "max_retries_exceeded", r.LastError)
	assert.Equal(t, 3, h.notifier.Calls())
}

func TestCleanupOldReminders(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	for id, status := range map[string]ReminderStatus{
		"sent":      ReminderStatusSent,
		"failed":    ReminderStatusFailed,
		"cancelled": ReminderStatusCancelled,
		"pending":   ReminderStatusPending,
	} {
		require.NoError(t, h.store.Save(ctx, &Reminder{
			ID:        id,
			Payload:   payload(id, "u1", time.Now().Add(time.Hour)),
			FireAt:    time.Now().Add(time.Hour),
			Status:    status,
			UpdatedAt: old,
		}))
	}

	h.sched.RunNow(ctx)

	list, err := h.store.FindByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pending", list[0].ID)
}

// stubChats resolves every user to the same chat.
type stubChats struct{ chat int64 }

func (s stubChats) TelegramChatID(context.Context, string) (int64, error) { return s.chat, nil }

// stubBot returns err from every send.
type stubBot struct {
	err  error
	sent []tgbotapi.Chattable
}

func (b *stubBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, b.err
}

func TestTelegramNotifier(t *testing.T) {
	r := &Reminder{ID: "b1", Payload: payload("b1", "u1", time.Now().Add(time.Hour))}

	t.Run("no chat", func(t *testing.T) {
		n := NewTelegramNotifier(&stubBot{}, stubChats{})
		assert.ErrorIs(t, n.SendReminder(context.Background(), r), ErrRecipientUnreachable)
	})

	t.Run("delivered", func(t *testing.T) {
		bot := &stubBot{}
		n := NewTelegramNotifier(bot, stubChats{chat: 42})
		require.NoError(t, n.SendReminder(context.Background(), r))
		require.Len(t, bot.sent, 1)
		msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
		require.True(t, ok)
		assert.Equal(t, int64(42), msg.ChatID)
		assert.Contains(t, msg.Text, string(model.SpaceMeetingRoom))
	})

	t.Run("rate limited", func(t *testing.T) {
		apiErr := &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}
		apiErr.RetryAfter = 3
		n := NewTelegramNotifier(&stubBot{err: apiErr}, stubChats{chat: 42})

		tgErr, ok := IsTelegramError(n.SendReminder(context.Background(), r))
		require.True(t, ok)
		assert.Equal(t, 429, tgErr.Code)
		assert.Equal(t, 3, tgErr.RetryAfter)
	})
}

func TestServiceSchedulesLeadTimeBeforeStart(t *testing.T) {
	h := newHarness(t, nil, nil)
	svc := NewService(h.sched, zerolog.Nop())
	ctx := context.Background()
	start := time.Now().Add(3 * time.Hour).Truncate(time.Minute)

	res := &model.Reservation{
		ID:       "b1",
		OwnerID:  "u1",
		Space:    model.SpaceMeetingRoom,
		Interval: model.Interval{Start: start, End: start.Add(time.Hour)},
		Status:   model.StatusConfirmed,
	}
	require.NoError(t, svc.ScheduleReminder(ctx, res))

	r, err := h.store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, r.FireAt.Equal(start.Add(-LeadTime)))
	assert.Equal(t, ReminderStatusPending, r.Status)

	res.Status = model.StatusCancelled
	require.NoError(t, svc.ScheduleReminder(ctx, res))
	r, err = h.store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, ReminderStatusCancelled, r.Status)

	n, err := svc.CancelForOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
