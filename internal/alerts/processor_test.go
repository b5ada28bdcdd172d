package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// --- fakes ---

type fakeStore struct {
	mu       sync.Mutex
	users    []models.UserProfile
	alerts   []models.SentAlert
	nextID   int64
	listErr  error
	findErr  error
	writeErr error
}

func (s *fakeStore) ListNotifiableUsers(context.Context) ([]models.UserProfile, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.UserProfile
	for _, u := range s.users {
		if u.NotificationsEnabled {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeStore) FindRecentAlert(_ context.Context, userID int64, disease string, since time.Time) (*models.SentAlert, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.UserID == userID && a.Disease == disease && !a.SentAt.Before(since) {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) InsertSentAlert(_ context.Context, userID int64, disease string, sentAt time.Time) (models.SentAlert, error) {
	if s.writeErr != nil {
		return models.SentAlert{}, s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a := models.SentAlert{ID: s.nextID, UserID: userID, Disease: disease, SentAt: sentAt}
	s.alerts = append(s.alerts, a)
	return a, nil
}

type sentMessage struct {
	token, title, body string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]bool
}

func (s *fakeSender) Send(_ context.Context, token, title, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[token] {
		return errors.New("provider rejected")
	}
	s.sent = append(s.sent, sentMessage{token, title, body})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(store *fakeStore, sender *fakeSender, opts ...Option) *Processor {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewProcessor(store, sender, discardLogger(), opts...)
}

func nearbyUser(id int64, token string) models.UserProfile {
	return models.UserProfile{
		ID:                   id,
		Latitude:             12.905,
		Longitude:            77.605,
		DeviceToken:          strPtr(token),
		NotificationsEnabled: true,
	}
}

var blightEvent = models.DetectionEvent{
	ID:         1,
	Disease:    "Late_Blight",
	Latitude:   12.90,
	Longitude:  77.60,
	Confidence: 0.90,
}

// --- tests ---

func TestProcess_EndToEnd(t *testing.T) {
	store := &fakeStore{users: []models.UserProfile{nearbyUser(7, "tok1")}}
	sender := &fakeSender{}
	p := newTestProcessor(store, sender)

	result, err := p.ProcessDetectionEvent(context.Background(), blightEvent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.token != "tok1" || msg.title != NotificationTitle || msg.body != NotificationBody {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(store.alerts) != 1 {
		t.Fatalf("expected 1 alert record, got %d", len(store.alerts))
	}
	a := store.alerts[0]
	if a.UserID != 7 || a.Disease != "Late_Blight" || !a.SentAt.Equal(testNow) {
		t.Fatalf("unexpected alert %+v", a)
	}
	if result.RecordsWritten != 1 || result.Candidates != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProcess_ConfidenceGate(t *testing.T) {
	store := &fakeStore{users: []models.UserProfile{nearbyUser(1, "tok")}}
	sender := &fakeSender{}
	p := newTestProcessor(store, sender)

	ev := blightEvent
	ev.Confidence = 0.74
	result, err := p.ProcessDetectionEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Gated || len(sender.sent) != 0 || len(store.alerts) != 0 {
		t.Fatalf("expected gated event with no effects, got %+v", result)
	}

	ev.Confidence = 0.75
	if _, err := p.ProcessDetectionEvent(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("confidence 0.75 should pass the gate, got %d sends", len(sender.sent))
	}
}

func TestProcess_GateSkipsStoreEntirely(t *testing.T) {
	store := &fakeStore{listErr: errors.New("should not be called")}
	p := newTestProcessor(store, &fakeSender{})

	ev := blightEvent
	ev.Confidence = 0.5
	if _, err := p.ProcessDetectionEvent(context.Background(), ev); err != nil {
		t.Fatalf("gated event should not touch the store: %v", err)
	}
}

func TestProcess_Radius(t *testing.T) {
	inside := nearbyUser(1, "inside")
	inside.Latitude, inside.Longitude = 12.9179, 77.60 // ~1.99 km
	outside := nearbyUser(2, "outside")
	outside.Latitude, outside.Longitude = 12.9181, 77.60 // ~2.01 km

	store := &fakeStore{users: []models.UserProfile{inside, outside}}
	sender := &fakeSender{}
	p := newTestProcessor(store, sender)

	result, err := p.ProcessDetectionEvent(context.Background(), blightEvent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].token != "inside" {
		t.Fatalf("expected only the user inside 2 km to be notified, got %+v", sender.sent)
	}
	if result.Skipped[OutOfRange] != 1 {
		t.Fatalf("expected 1 out-of-range skip, got %+v", result.Skipped)
	}
}

func TestProcess_DisabledAndTokenless(t *testing.T) {
	disabled := nearbyUser(1, "disabled")
	disabled.NotificationsEnabled = false
	tokenless := nearbyUser(2, "")
	tokenless.DeviceToken = nil

	store := &fakeStore{users: []models.UserProfile{disabled, tokenless}}
	sender := &fakeSender{}
	p := newTestProcessor(store, sender)

	result, err := p.ProcessDetectionEvent(context.Background(), blightEvent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 || len(store.alerts) != 0 {
		t.Fatalf("expected no sends, got %+v", sender.sent)
	}
	if result.Skipped[NoDeviceToken] != 1 {
		t.Fatalf("expected tokenless user skipped, got %+v", result.Skipped)
	}
}

func TestProcess_DuplicateWindow(t *testing.T) {
	tests := []struct {
		name     string
		ago      time.Duration
		disease  string
		wantSend bool
	}{
		{"sent 23h59m ago", 23*time.Hour + 59*time.Minute, "Late_Blight", false},
		{"sent 24h1m ago", 24*time.Hour + time.Minute, "Late_Blight", true},
		{"other disease 1h ago", time.Hour, "Rust", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{
				users:  []models.UserProfile{nearbyUser(1, "tok")},
				alerts: []models.SentAlert{{ID: 1, UserID: 1, Disease: tt.disease, SentAt: testNow.Add(-tt.ago)}},
				nextID: 1,
			}
			sender := &fakeSender{}
			p := newTestProcessor(store, sender)

			if _, err := p.ProcessDetectionEvent(context.Background(), blightEvent); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(sender.sent) == 1; got != tt.wantSend {
				t.Fatalf("sent = %v, want %v", got, tt.wantSend)
			}
		})
	}
}

func TestProcess_ReplayIsIdempotent(t *testing.T) {
	store := &fakeStore{users: []models.UserProfile{nearbyUser(1, "a"), nearbyUser(2, "b")}}
	sender := &fakeSender{}
	p := newTestProcessor(store, sender)

	for i := 0; i < 3; i++ {
		if _, err := p.ProcessDetectionEvent(context.Background(), blightEvent); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(sender.sent) != 2 || len(store.alerts) != 2 {
		t.Fatalf("expected one alert per user across replays, got %d sends %d records",
			len(sender.sent), len(store.alerts))
	}
}

func TestProcess_FailedSendIsRetried(t *testing.T) {
	store := &fakeStore{users: []models.UserProfile{nearbyUser(1, "flaky"), nearbyUser(2, "ok")}}
	sender := &fakeSender{fail: map[string]bool{"flaky": true}}
	p := newTestProcessor(store, sender)

	result, err := p.ProcessDetectionEvent(context.Background(), blightEvent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SendFailed != 1 || result.RecordsWritten != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, a := range store.alerts {
		if a.UserID == 1 {
			t.Fatal("failed send must not be recorded")
		}
	}

	// Provider recovers; the failed user is picked up, the other is not resent.
	sender.fail = nil
	if _, err := p.ProcessDetectionEvent(context.Background(), blightEvent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 2 || sender.sent[1].token != "flaky" {
		t.Fatalf("expected retry to reach the failed user only, got %+v", sender.sent)
	}
}

func TestProcess_ReadFailureAborts(t *testing.T) {
	sender := &fakeSender{}
	p := newTestProcessor(&fakeStore{listErr: errors.New("db down")}, sender)
	if _, err := p.ProcessDetectionEvent(context.Background(), blightEvent); err == nil {
		t.Fatal("expected list failure to be reported")
	}

	store := &fakeStore{users: []models.UserProfile{nearbyUser(1, "tok")}, findErr: errors.New("timeout")}
	p = newTestProcessor(store, sender)
	if _, err := p.ProcessDetectionEvent(context.Background(), blightEvent); err == nil {
		t.Fatal("expected duplicate lookup failure to be reported")
	}
	if len(sender.sent) != 0 {
		t.Fatalf("nothing should be sent when history cannot be read, got %+v", sender.sent)
	}
}

func TestProcess_WriteFailureAborts(t *testing.T) {
	writeErr := errors.New("disk full")
	store := &fakeStore{
		users:    []models.UserProfile{nearbyUser(1, "a"), nearbyUser(2, "b")},
		writeErr: writeErr,
	}
	sender := &fakeSender{}
	p := newTestProcessor(store, sender)

	result, err := p.ProcessDetectionEvent(context.Background(), blightEvent)
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected processing to stop after the first failed write, got %d sends", len(sender.sent))
	}
	if result.RecordsWritten != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProcess_ObserverSeesCommittedAlerts(t *testing.T) {
	store := &fakeStore{users: []models.UserProfile{nearbyUser(1, "a"), nearbyUser(2, "b")}}
	var seen []models.SentAlert
	p := newTestProcessor(store, &fakeSender{}, WithObserver(
		func(_ context.Context, ev models.DetectionEvent, a models.SentAlert) {
			if ev.ID != blightEvent.ID {
				t.Errorf("observer got event %d", ev.ID)
			}
			seen = append(seen, a)
		}))

	if _, err := p.ProcessDetectionEvent(context.Background(), blightEvent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 || seen[0].ID == 0 {
		t.Fatalf("expected 2 observed alerts with ids, got %+v", seen)
	}
}

func TestProcess_CancelledContext(t *testing.T) {
	store := &fakeStore{users: []models.UserProfile{nearbyUser(1, "a")}}
	sender := &fakeSender{}
	p := newTestProcessor(store, sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.ProcessDetectionEvent(ctx, blightEvent); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("no sends expected after cancellation")
	}
}

type slowSender struct {
	delay time.Duration
}

func (s slowSender) Send(ctx context.Context, _, _, _ string) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestProcess_RecordsDuration(t *testing.T) {
	store := &fakeStore{users: []models.UserProfile{nearbyUser(1, "a")}}
	p := NewProcessor(store, slowSender{delay: 20 * time.Millisecond}, discardLogger(),
		WithClock(func() time.Time { return testNow }))

	res, err := p.ProcessDetectionEvent(context.Background(), blightEvent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordsWritten != 1 {
		t.Fatalf("expected 1 record, got %d", res.RecordsWritten)
	}
	if res.Duration < 20*time.Millisecond {
		t.Fatalf("expected Duration >= 20ms, got %v", res.Duration)
	}

	// Early returns carry the duration too.
	store.writeErr = errors.New("disk full")
	store.alerts = nil
	res, err = p.ProcessDetectionEvent(context.Background(), blightEvent)
	if err == nil {
		t.Fatal("expected write error")
	}
	if res.Duration <= 0 {
		t.Fatalf("expected Duration on error path, got %v", res.Duration)
	}
}

func TestResultSummary(t *testing.T) {
	r := Result{EventID: 3, Disease: "Rust", Candidates: 4, RecordsWritten: 1}
	r.skip(OutOfRange)
	r.skip(Duplicate)
	r.skip(OutOfRange)
	want := "event=3 disease=Rust candidates=4 sent=1 send_failed=0 skipped=[duplicate:1 out_of_range:2]"
	if got := r.Summary(); got != want {
		t.Fatalf("Summary() = %q, want %q", got, want)
	}
}
