// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the agent-side session layer: the store
// that owns all live sessions, the terminal and VNC session types
// bound to their backing OS processes, and the broker that turns
// verified envelope payloads into session operations.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/tether-remote/tether/wire"
)

// Session is a live interactive resource bound to a backing process.
// The store is the sole owner of the session lifecycle: insertion goes
// through a broker creation path holding a creation lock, and removal
// happens on process exit or explicit close.
type Session interface {
	// ID is the requester-generated session identity.
	ID() wire.SessionID

	// ViewerConnectionID is the hub connection the session relays
	// output to. Empty for sessions without an output relay (VNC).
	ViewerConnectionID() string

	// CreatedAt is when the session was registered.
	CreatedAt() time.Time

	// Close disposes the session and terminates its backing process.
	// Idempotent.
	Close() error
}

// Store maps session IDs to live sessions. Lookups are concurrent;
// insert and remove are serialized. The store does not create
// sessions — that is the broker's job, under its creation lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[wire.SessionID]Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[wire.SessionID]Session)}
}

// Lookup returns the session with the given ID, if present.
func (s *Store) Lookup(id wire.SessionID) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Insert registers a session. Fails if the ID is already present —
// the creation lock should have made that impossible, so a collision
// here is a bug, not a race to paper over.
func (s *Store) Insert(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID()]; exists {
		return fmt.Errorf("session: id %s already registered", session.ID())
	}
	s.sessions[session.ID()] = session
	return nil
}

// Remove deletes the session with the given ID. Returns the removed
// session, or nil if it was not present.
func (s *Store) Remove(id wire.SessionID) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.sessions[id]
	delete(s.sessions, id)
	return session
}

// RemoveMatching deletes the entry for id only if it still holds this
// exact session. Reports whether it removed anything. Exit watchers
// use this instead of Remove: between a shell's exit and the watcher
// running, the ID may have been re-registered to a fresh session that
// must not be torn down by the stale watcher.
func (s *Store) RemoveMatching(id wire.SessionID, session Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[id] != session {
		return false
	}
	delete(s.sessions, id)
	return true
}

// All returns a snapshot of the live sessions.
func (s *Store) All() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		all = append(all, session)
	}
	return all
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
