// Package sink defines the output capability that receives decoded events.
//
// A Sink hands out one Session per producer (a connection worker or the
// control plane). The session lifecycle mirrors the worker states:
//
//	session, err := s.Open(ctx, connID) // Init
//	err = session.Bind()                // PortsBound
//	err = session.Emit(ev)              // Streaming, once per event
//	session.Close()                     // Closing
//
// Delivery is fire and forget: Emit reports local failures only and nothing
// downstream acknowledges an event.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btmidi/btmidid/internal/event"
)

// Sink creates sessions bound to an output.
type Sink interface {
	// Open creates a session for owner. It must not block on I/O.
	Open(ctx context.Context, owner string) (Session, error)

	// Close releases shared resources. Open sessions are not closed.
	Close() error
}

// Session is one producer's handle on a Sink.
type Session interface {
	// Bind connects the session to its downstream ports.
	Bind() error

	// Emit delivers one event.
	Emit(ev event.Event) error

	// Close releases the session. Safe to call more than once.
	Close() error
}

// Fanout delivers every event to several sinks.
//
// Bind fails if any member fails. Emit tries every member and joins the
// errors, so a broken mirror does not stop delivery to the others.
type Fanout struct {
	sinks []Sink
}

// Ensure Fanout implements Sink.
var _ Sink = (*Fanout)(nil)

// NewFanout creates a Fanout over sinks. Nil entries are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of member sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Open opens a session on every member.
func (f *Fanout) Open(ctx context.Context, owner string) (Session, error) {
	if len(f.sinks) == 0 {
		return nil, ErrNoDriver
	}

	sessions := make([]Session, 0, len(f.sinks))
	for _, s := range f.sinks {
		sess, err := s.Open(ctx, owner)
		if err != nil {
			for _, opened := range sessions {
				opened.Close() //nolint:errcheck // best-effort unwind
			}
			return nil, fmt.Errorf("opening session for %s: %w", owner, err)
		}
		sessions = append(sessions, sess)
	}
	return &fanoutSession{sessions: sessions}, nil
}

// Close closes every member sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type fanoutSession struct {
	sessions  []Session
	closeOnce sync.Once
	closeErr  error
}

func (s *fanoutSession) Bind() error {
	for _, sess := range s.sessions {
		if err := sess.Bind(); err != nil {
			return err
		}
	}
	return nil
}

func (s *fanoutSession) Emit(ev event.Event) error {
	var errs []error
	for _, sess := range s.sessions {
		if err := sess.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *fanoutSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, sess := range s.sessions {
			if err := sess.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
