package github

import (
	"errors"
	"testing"
)

func TestSessionToken(t *testing.T) {
	s := NewSession("abc")
	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok.AccessToken != "abc" {
		t.Errorf("expected token abc, got %q", tok.AccessToken)
	}

	s.Invalidate()
	if _, err := s.Token(); !errors.Is(err, ErrCredentialExpired) {
		t.Errorf("expected ErrCredentialExpired after invalidate, got %v", err)
	}
}

func TestSessionEmptyTokenIsUnauthenticated(t *testing.T) {
	if NewSession("").Authenticated() {
		t.Error("expected empty session to be unauthenticated")
	}
}

func TestSessionListeners(t *testing.T) {
	s := NewSession("abc")
	var events []bool
	remove := s.OnChange(func(authenticated bool) { events = append(events, authenticated) })

	s.Invalidate()
	s.SetToken("def")
	remove()
	s.Invalidate()

	if len(events) != 2 || events[0] || !events[1] {
		t.Errorf("unexpected events %v", events)
	}
	if s.Authenticated() {
		t.Error("expected session invalidated")
	}
}

func TestAppSessionInvalidateOnlyNotifies(t *testing.T) {
	s := NewAppSession()
	var called bool
	s.OnChange(func(bool) { called = true })

	s.Invalidate()
	if !called {
		t.Error("expected listener to be notified")
	}
	if !s.Authenticated() {
		t.Error("expected app session to remain authenticated")
	}
}
