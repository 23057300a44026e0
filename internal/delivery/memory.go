package delivery

import (
	"bytes"
	"context"
	"sync"
)

// Message is a delivery captured by MemorySink.
type Message struct {
	From       string
	Recipients []string
	Body       []byte
}

// MemorySink keeps committed deliveries in memory. It backs dry-run mode and
// tests. FailNext makes the next n Finish calls fail with Err.
type MemorySink struct {
	mu       sync.Mutex
	messages []Message
	sessions int
	aborted  int
	failNext int
	err      error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailNext arranges for the next n sessions to fail in Finish with err.
func (m *MemorySink) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.err = err
}

func (m *MemorySink) Begin(_ context.Context, from string, recipients []string) (Session, error) {
	if err := validateAddresses(from, recipients); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
	return &memorySession{
		sink:       m,
		from:       from,
		recipients: append([]string(nil), recipients...),
	}, nil
}

// Messages returns a copy of the committed deliveries in order.
func (m *MemorySink) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Sessions returns the number of sessions begun.
func (m *MemorySink) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Aborted returns the number of aborted sessions.
func (m *MemorySink) Aborted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

type memorySession struct {
	sink       *MemorySink
	from       string
	recipients []string
	buf        bytes.Buffer
	done       bool
}

func (s *memorySession) Write(p []byte) (int, error) {
	if s.done {
		return 0, errSessionClosed
	}
	return s.buf.Write(p)
}

func (s *memorySession) Finish() error {
	if s.done {
		return errSessionClosed
	}
	s.done = true

	m := s.sink
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.err
	}
	m.messages = append(m.messages, Message{
		From:       s.from,
		Recipients: s.recipients,
		Body:       bytes.Clone(s.buf.Bytes()),
	})
	return nil
}

func (s *memorySession) Abort() {
	if s.done {
		return
	}
	s.done = true

	s.sink.mu.Lock()
	s.sink.aborted++
	s.sink.mu.Unlock()
}
