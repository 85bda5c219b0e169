package resettoken

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]Token
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]Token{}, byHash: map[string]string{}}
}

func (m *MemoryStore) Create(ctx context.Context, t Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[t.SecretHash]; ok {
		return errors.New("duplicate reset token digest")
	}
	m.byID[t.ID] = t
	m.byHash[t.SecretHash] = t.ID
	return nil
}

func (m *MemoryStore) FindByHash(ctx context.Context, secretHash string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[secretHash]
	if !ok {
		return Token{}, ErrInvalidToken
	}
	return m.byID[id], nil
}

func (m *MemoryStore) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok || t.IsUsed {
		return false, nil
	}
	t.IsUsed = true
	t.UsedAt = at
	m.byID[id] = t
	return true, nil
}

func (m *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.byID {
		if t.ExpiresAt.Before(cutoff) || (t.IsUsed && t.UsedAt.Before(cutoff)) {
			delete(m.byID, id)
			delete(m.byHash, t.SecretHash)
			n++
		}
	}
	return n, nil
}

// MemoryUsers is an in-process UserDirectory keyed by lowercase email.
type MemoryUsers struct {
	mu      sync.Mutex
	byEmail map[string]User
}

func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{byEmail: map[string]User{}}
	for _, u := range users {
		m.byEmail[normalizeEmail(u.Email)] = u
	}
	return m
}

func (m *MemoryUsers) FindByEmail(ctx context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (m *MemoryUsers) SetPasswordHash(ctx context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, u := range m.byEmail {
		if u.ID == userID {
			u.PasswordHash = hash
			m.byEmail[k] = u
			return nil
		}
	}
	return ErrUserNotFound
}
