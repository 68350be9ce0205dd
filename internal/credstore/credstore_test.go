package credstore

import (
	"testing"

	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

func TestUpdateThenFetchRoundTrips(t *testing.T) {
	kr := NewMockKeyring()
	s := New("caldav-sync", kr)

	creds := transport.Credentials{Username: "alice", Password: "s3cr3t"}
	if err := s.Update(t.Context(), "acct-1", creds); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Fetch(t.Context(), "acct-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != creds {
		t.Errorf("Fetch = %+v, want %+v", got, creds)
	}
}

func TestFetchUnknownAccountIsAuthError(t *testing.T) {
	kr := NewMockKeyring()
	s := New("caldav-sync", kr)

	_, err := s.Fetch(t.Context(), "nope")
	if !synerr.KindIs(err, synerr.AuthInvalidCredentials) {
		t.Fatalf("Fetch(unknown) err kind = %v, want AuthInvalidCredentials", err)
	}
}

func TestInvalidateThenFetchIsAuthError(t *testing.T) {
	kr := NewMockKeyring()
	s := New("caldav-sync", kr)
	_ = s.Update(t.Context(), "acct-1", transport.Credentials{Username: "alice", Password: "pw"})

	if err := s.Invalidate(t.Context(), "acct-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := s.Fetch(t.Context(), "acct-1"); !synerr.KindIs(err, synerr.AuthInvalidCredentials) {
		t.Fatalf("Fetch after Invalidate err kind = %v, want AuthInvalidCredentials", err)
	}
}

func TestInvalidateUnknownAccountIsNotAnError(t *testing.T) {
	kr := NewMockKeyring()
	s := New("caldav-sync", kr)
	if err := s.Invalidate(t.Context(), "never-existed"); err != nil {
		t.Fatalf("Invalidate(unknown) = %v, want nil", err)
	}
}

// TestUsernameAndPasswordRoundTripThroughSecretEncoding pins the
// joinSecret/splitSecret convention: a username and password full of
// punctuation (@, :, /, -) survive the unit-separator encoding unchanged.
func TestUsernameAndPasswordRoundTripThroughSecretEncoding(t *testing.T) {
	kr := NewMockKeyring()
	s := New("caldav-sync", kr)
	creds := transport.Credentials{Username: "bob@example.com", Password: "p@ss:word/with-symbols"}
	if err := s.Update(t.Context(), "acct-2", creds); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Fetch(t.Context(), "acct-2")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != creds {
		t.Errorf("Fetch = %+v, want %+v", got, creds)
	}
}
