package audit

import "sync"

// Log is an in-memory chained audit log. The SQL-backed ledgers maintain the
// same chain in their audit tables; this one serves single-process wiring and
// tests.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{entries: make([]Entry, 0)}
}

// Append seals the entry against the current chain head and stores it.
func (l *Log) Append(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	if err := e.Seal(prev); err != nil {
		return err
	}
	l.entries = append(l.entries, *e)
	return nil
}

// Entries returns a copy of the chain.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Head returns the hash of the newest entry, or "" for an empty log.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Hash
	}
	return ""
}

// Verify checks the full chain.
func (l *Log) Verify() error {
	return VerifyChain(l.Entries())
}
