package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskearn/backend/internal/models"
)

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (m *memCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.counts[key]++
	return m.counts[key], nil
}

func withNow(t *testing.T, now time.Time) {
	t.Helper()
	orig := nowFn
	nowFn = func() time.Time { return now }
	t.Cleanup(func() { nowFn = orig })
}

func asUser(userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/x/submit", nil)
	id := &Identity{UserID: userID, Role: models.RoleWorker, Caps: models.CapabilitiesFor(models.RoleWorker)}
	return req.WithContext(WithIdentity(req.Context(), id))
}

func TestRateLimit_BlocksAfterLimit(t *testing.T) {
	withNow(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC))
	c := &memCounter{}
	h := RateLimit(c, "submissions", 3, time.Hour, nil)(okHandler)
	user := uuid.New()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, asUser(user))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(user))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2701" {
		t.Errorf("Retry-After: got %q", got)
	}

	// Another user has their own window.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(uuid.New()))
	if rec.Code != http.StatusOK {
		t.Fatalf("other user: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_NewWindowResets(t *testing.T) {
	c := &memCounter{}
	h := RateLimit(c, "submissions", 1, time.Hour, nil)(okHandler)
	user := uuid.New()

	withNow(t, time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(user))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	withNow(t, time.Date(2026, 3, 1, 11, 0, 1, 0, time.UTC))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(user))
	if rec.Code != http.StatusOK {
		t.Fatalf("next window: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_CounterErrorFailsOpen(t *testing.T) {
	c := &memCounter{err: errors.New("redis: connection refused")}
	h := RateLimit(c, "submissions", 1, time.Hour, nil)(okHandler)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, asUser(uuid.New()))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}

func TestRateLimit_NilCounter(t *testing.T) {
	h := RateLimit(nil, "submissions", 1, time.Hour, nil)(okHandler)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, asUser(uuid.New()))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}
