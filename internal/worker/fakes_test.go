package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rahulbk/email-delivery-service/internal/domain"
)

// fakeStore is an in-memory Store with the same conditional-update
// semantics as the Postgres implementation.
type fakeStore struct {
	mu          sync.Mutex
	emails      map[string]*domain.Email
	events      map[string][]domain.EmailEvent
	deadLetters []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		emails: make(map[string]*domain.Email),
		events: make(map[string][]domain.EmailEvent),
	}
}

func (f *fakeStore) put(email *domain.Email) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *email
	f.emails[email.ID] = &cp
}

func (f *fakeStore) get(id string) *domain.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.emails[id]; ok {
		cp := *e
		return &cp
	}
	return nil
}

func (f *fakeStore) eventTypes(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, e := range f.events[id] {
		types = append(types, e.EventType)
	}
	return types
}

func (f *fakeStore) GetEmail(ctx context.Context, id string) (*domain.Email, error) {
	return f.get(id), nil
}

func (f *fakeStore) BeginAttempt(ctx context.Context, id string) (*domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[id]
	if !ok || e.Status != domain.StatusQueued || e.Attempts >= e.MaxAttempts {
		return nil, nil
	}
	e.Status = domain.StatusSending
	e.Attempts++
	now := time.Now()
	e.LastAttemptAt = &now
	cp := *e
	return &cp, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[id]
	if !ok || e.Status != domain.StatusSending {
		return errors.New("not in sending status")
	}
	e.Status = domain.StatusSent
	now := time.Now()
	e.SentAt = &now
	return nil
}

func (f *fakeStore) MarkRetry(ctx context.Context, id, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[id]
	if !ok || e.Status != domain.StatusSending {
		return errors.New("not in sending status")
	}
	e.Status = domain.StatusQueued
	e.LastError = &lastError
	now := time.Now()
	e.QueuedAt = &now
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[id]
	if !ok || (e.Status != domain.StatusSending && e.Status != domain.StatusQueued) {
		return errors.New("not in a failable status")
	}
	e.Status = domain.StatusFailed
	e.LastError = &lastError
	now := time.Now()
	e.FailedAt = &now
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, emailID, eventType string, details json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[emailID] = append(f.events[emailID], domain.EmailEvent{
		EmailID:   emailID,
		EventType: eventType,
		Details:   details,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeStore) InsertDeadLetter(ctx context.Context, emailID, messageID string, totalAttempts int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, emailID)
	return nil
}

func (f *fakeStore) FindQueuedOlderThan(ctx context.Context, grace time.Duration, limit int) ([]domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-grace)
	var out []domain.Email
	for _, e := range f.emails {
		if e.Status == domain.StatusQueued && e.QueuedAt != nil && e.QueuedAt.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) FindStuckSending(ctx context.Context, grace time.Duration, limit int) ([]domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-grace)
	var out []domain.Email
	for _, e := range f.emails {
		if e.Status == domain.StatusSending && e.LastAttemptAt != nil && e.LastAttemptAt.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out, nil
}

// fakeSender scripts the outcome of successive send attempts. A nil entry
// means success; attempts beyond the script succeed.
type fakeSender struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *fakeSender) Send(ctx context.Context, email *domain.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return nil
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func errTransport(msg string) error {
	return fmt.Errorf("smtp send: %s", msg)
}
