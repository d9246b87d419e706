package github

import (
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

// ErrCredentialExpired is returned when the API rejects the credential, or
// when a request is attempted after the session was invalidated.
var ErrCredentialExpired = errors.New("CRITICAL: GitHub credential expired or was revoked")

// Session holds the credential used by a Client. It replaces a process-wide
// token: each Client is given its Session explicitly.
//
// A Session implements oauth2.TokenSource for personal access tokens. App
// sessions authenticate through ghinstallation instead; invalidating them
// only notifies listeners.
type Session struct {
	mu        sync.RWMutex
	token     string
	app       bool
	valid     bool
	listeners map[int]func(authenticated bool)
	nextID    int
}

// NewSession creates a session for a personal access token.
func NewSession(token string) *Session {
	return &Session{
		token:     token,
		valid:     token != "",
		listeners: make(map[int]func(bool)),
	}
}

// NewAppSession creates a session for GitHub App installation auth.
func NewAppSession() *Session {
	return &Session{
		app:       true,
		valid:     true,
		listeners: make(map[int]func(bool)),
	}
}

// Token implements oauth2.TokenSource.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid || s.token == "" {
		return nil, ErrCredentialExpired
	}
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}, nil
}

// Authenticated reports whether the session still holds a usable credential.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

// SetToken stores a new token and notifies listeners.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.valid = token != "" || s.app
	valid := s.valid
	listeners := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(valid)
	}
}

// Invalidate clears the stored credential and notifies listeners with
// authenticated=false.
func (s *Session) Invalidate() {
	s.mu.Lock()
	if !s.app {
		s.token = ""
		s.valid = false
	}
	listeners := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(false)
	}
}

// OnChange registers fn to be called whenever the authentication state
// changes. The returned function removes the listener.
func (s *Session) OnChange(fn func(authenticated bool)) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) snapshotLocked() []func(bool) {
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

var _ oauth2.TokenSource = (*Session)(nil)
