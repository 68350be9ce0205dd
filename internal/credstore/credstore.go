// Package credstore is the default credential-store adapter: fetch,
// update, and invalidate per account id, over a thin Keyring seam so the
// OS-keyring implementation and an in-memory test double share one Store
// on top of them.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

// ErrKeyringNotAvailable is returned when the OS keyring backend can't be
// reached (headless/no D-Bus environments).
var ErrKeyringNotAvailable = errors.New("credstore: system keyring not available")

// Keyring is the narrow secret-storage seam; systemKeyring and MockKeyring
// both implement it.
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Store is the credential store interface the account lifecycle and
// reconciler depend on.
type Store interface {
	Fetch(ctx context.Context, accountID string) (transport.Credentials, error)
	Update(ctx context.Context, accountID string, creds transport.Credentials) error
	Invalidate(ctx context.Context, accountID string) error
}

// keyringStore is the default Store: one keyring entry per account id,
// holding "<username>\x1f<password>" (see joinSecret).
type keyringStore struct {
	service string
	kr      Keyring
}

func New(service string, kr Keyring) Store {
	return &keyringStore{service: service, kr: kr}
}

// NewSystem returns a Store backed by the OS keyring.
func NewSystem(service string) Store {
	return New(service, systemKeyring{})
}

func (s *keyringStore) Fetch(_ context.Context, accountID string) (transport.Credentials, error) {
	raw, err := s.kr.Get(s.service, accountID)
	if err != nil {
		if isNotFound(err) {
			return transport.Credentials{}, synerr.New(synerr.AuthInvalidCredentials, false, fmt.Errorf("credstore: no credentials for account %s", accountID))
		}
		return transport.Credentials{}, wrapKeyringErr(err)
	}
	user, pass, ok := splitSecret(raw)
	if !ok {
		return transport.Credentials{}, synerr.New(synerr.DataParseFailure, false, fmt.Errorf("credstore: malformed secret for account %s", accountID))
	}
	return transport.Credentials{Username: user, Password: pass}, nil
}

func (s *keyringStore) Update(_ context.Context, accountID string, creds transport.Credentials) error {
	if err := s.kr.Set(s.service, accountID, joinSecret(creds.Username, creds.Password)); err != nil {
		return wrapKeyringErr(err)
	}
	return nil
}

func (s *keyringStore) Invalidate(_ context.Context, accountID string) error {
	if err := s.kr.Delete(s.service, accountID); err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapKeyringErr(err)
	}
	return nil
}

const secretSep = "\x1f" // unit separator, won't collide with real usernames/passwords

func joinSecret(user, pass string) string { return user + secretSep + pass }

func splitSecret(raw string) (user, pass string, ok bool) {
	idx := strings.Index(raw, secretSep)
	if idx < 0 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}

func isNotFound(err error) bool {
	return errors.Is(err, keyring.ErrNotFound)
}

func wrapKeyringErr(err error) error {
	if isKeyringUnavailable(err) {
		return synerr.New(synerr.InternalInvariant, true, fmt.Errorf("%w: %v", ErrKeyringNotAvailable, err))
	}
	return synerr.New(synerr.InternalInvariant, false, err)
}

// isKeyringUnavailable sniffs the common headless-environment failure
// strings go-keyring surfaces (no D-Bus/Secret Service); go-keyring doesn't
// expose a typed sentinel for this case.
func isKeyringUnavailable(err error) bool {
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, tok := range []string{"dbus", "secrets", "x11", "not provided"} {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// systemKeyring wraps github.com/zalando/go-keyring directly.
type systemKeyring struct{}

func (systemKeyring) Set(service, account, password string) error {
	return keyring.Set(service, account, password)
}
func (systemKeyring) Get(service, account string) (string, error) {
	return keyring.Get(service, account)
}
func (systemKeyring) Delete(service, account string) error {
	return keyring.Delete(service, account)
}

// MockKeyring is an in-memory Keyring for tests.
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string
}

func NewMockKeyring() *MockKeyring {
	return &MockKeyring{store: make(map[string]map[string]string)}
}

func (m *MockKeyring) Set(service, account, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = password
	return nil
}

func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if accts, ok := m.store[service]; ok {
		if pw, ok := accts[account]; ok {
			return pw, nil
		}
	}
	return "", keyring.ErrNotFound
}

func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accts, ok := m.store[service]; ok {
		if _, ok := accts[account]; ok {
			delete(accts, account)
			return nil
		}
	}
	return keyring.ErrNotFound
}
