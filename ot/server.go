package ot

import (
	"errors"
	"sync"
)

// ErrStaleRevision rejects a submission parented off a revision the
// server no longer retains. The client must resync and resubmit.
var ErrStaleRevision = errors.New("operation is parented off a stale revision")

// Committed is one server-ordered operation, as broadcast to clients.
type Committed struct {
	Revision int
	ClientID uint32
	Op       *Op
}

// Server is the single source of truth for operation ordering. It
// keeps the document text plus a log of committed operations; a
// submission against an older revision is transformed over everything
// committed since, so concurrent clients converge on the server's
// order.
type Server struct {
	mu        sync.Mutex
	text      string
	log       []Committed
	first     int // revision of log[0]
	retain    int
	listeners map[uint64]func(Committed)
	nextID    uint64
}

// NewServer starts from the given text at revision zero, retaining at
// most retain committed ops for transforming laggards (zero keeps
// everything).
func NewServer(text string, retain int) *Server {
	return &Server{
		text:      text,
		retain:    retain,
		listeners: make(map[uint64]func(Committed)),
	}
}

func (s *Server) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Server) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first + len(s.log)
}

// Receive transforms op against everything committed since the
// client's base revision, applies it, assigns the next revision and
// broadcasts the result. The returned Committed carries the
// transformed op that actually landed.
func (s *Server) Receive(clientID uint32, baseRevision int, op *Op) (Committed, error) {
	s.mu.Lock()
	head := s.first + len(s.log)
	if baseRevision > head || baseRevision < s.first {
		s.mu.Unlock()
		return Committed{}, ErrStaleRevision
	}
	for _, past := range s.log[baseRevision-s.first:] {
		var err error
		op, _, err = Transform(op, past.Op)
		if err != nil {
			s.mu.Unlock()
			return Committed{}, err
		}
	}
	text, err := Apply(s.text, op)
	if err != nil {
		s.mu.Unlock()
		return Committed{}, err
	}
	c := Committed{Revision: head + 1, ClientID: clientID, Op: op}
	s.text = text
	s.log = append(s.log, c)
	if s.retain > 0 && len(s.log) > s.retain {
		drop := len(s.log) - s.retain
		s.log = append([]Committed(nil), s.log[drop:]...)
		s.first += drop
	}
	subs := make([]func(Committed), 0, len(s.listeners))
	for _, fn := range s.listeners {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
	return c, nil
}

// Since returns the committed ops after the given revision, for a
// client catching up; ErrStaleRevision if they were already dropped.
func (s *Server) Since(revision int) ([]Committed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if revision < s.first {
		return nil, ErrStaleRevision
	}
	if revision > s.first+len(s.log) {
		return nil, ErrStaleRevision
	}
	out := make([]Committed, len(s.log)-(revision-s.first))
	copy(out, s.log[revision-s.first:])
	return out, nil
}

// Subscribe registers a broadcast listener; the closure unsubscribes.
func (s *Server) Subscribe(fn func(Committed)) func() {
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
