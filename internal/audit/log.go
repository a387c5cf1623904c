package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Defaults for the bounded retry and the in-memory buffer.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 50 * time.Millisecond
	DefaultBufferSize    = 1024
)

type sink interface {
	io.Writer
	Sync() error
	Close() error
	Stat() (os.FileInfo, error)
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger that also serves as the fallback sink for
// entries that could not be made durable.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Log) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithRetry sets the bounded retry applied to each durable write.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(l *Log) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if delay >= 0 {
			l.delay = delay
		}
	}
}

// WithBufferSize caps how many entries are held while the file is unavailable.
func WithBufferSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithPolicyHash stamps entries that do not carry their own policy hash.
func WithPolicyHash(h string) Option {
	return func(l *Log) { l.policyHash = h }
}

// WithObserver registers fn to see every appended entry after it has been
// stamped. fn runs on the caller's goroutine outside the log's lock.
func WithObserver(fn func(Entry)) Option {
	return func(l *Log) {
		if fn != nil {
			l.observers = append(l.observers, fn)
		}
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain.
//
// Append never returns an error. When the file cannot be written after a
// bounded retry, entries wait in a bounded buffer and are written ahead of
// the next entry. Overflow goes to the fallback logger.
type Log struct {
	path       string
	mu         sync.Mutex
	file       sink
	prevHash   string
	pending    []Entry
	open       func(path string) (sink, string, error)
	logger     *zap.Logger
	attempts   uint
	delay      time.Duration
	bufferSize int
	policyHash string
	now        func() time.Time
	dropped    int
	observers  []func(Entry)
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it reads the last line to recover the chain tail.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:       path,
		open:       openFile,
		logger:     zap.NewNop(),
		attempts:   DefaultRetryAttempts,
		delay:      DefaultRetryDelay,
		bufferSize: DefaultBufferSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("mod", "audit"))

	f, tail, err := l.open(path)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.prevHash = tail
	return l, nil
}

func openFile(path string) (sink, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, "", fmt.Errorf("audit: create directory: %w", err)
	}
	tail, err := chainTail(path)
	if err != nil {
		return nil, "", err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("audit: open file: %w", err)
	}
	return f, tail, nil
}

// chainTail returns the hash of the last line of an existing log, or
// GenesisHash for a missing or empty file.
func chainTail(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return GenesisHash, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lastLine []byte
	for scanner.Scan() {
		lastLine = append(lastLine[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("audit: scan existing log: %w", err)
	}
	if len(lastLine) == 0 {
		return GenesisHash, nil
	}
	return HashLine(lastLine), nil
}

// Path returns the file the log writes to.
func (l *Log) Path() string { return l.path }

// Append records an entry. It fills Timestamp and PolicyHash when empty
// and never fails the caller.
func (l *Log) Append(entry Entry) {
	entry = l.append(entry)
	for _, fn := range l.observers {
		fn(entry)
	}
}

func (l *Log) append(entry Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = l.now().UTC().Format(TimestampFormat)
	}
	if entry.Type == "" {
		entry.Type = TypeAction
	}
	if entry.PolicyHash == "" {
		entry.PolicyHash = l.policyHash
	}
	l.pending = append(l.pending, entry)
	if err := l.drainLocked(); err != nil {
		l.logger.Warn("audit file unavailable, entry buffered",
			zap.Error(err),
			zap.Int("buffered", len(l.pending)))
		l.trimLocked()
	}
	return entry
}

// RecordSecurityEvent appends a security event entry.
func (l *Log) RecordSecurityEvent(event, severity, description string, details map[string]string) {
	l.Append(Entry{
		Type:     TypeSecurityEvent,
		Event:    event,
		Severity: severity,
		Reason:   description,
		Details:  details,
		Outcome:  "security_event",
	})
}

// Flush retries writing buffered entries once and reports whether any remain.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drainLocked()
}

// Buffered returns how many entries are waiting for the file.
func (l *Log) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close flushes what it can and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	flushErr := l.drainLocked()
	if flushErr != nil {
		for _, e := range l.pending {
			l.fallbackLocked(e, "closed with entry unwritten")
		}
		l.pending = nil
	}
	if l.file == nil {
		return flushErr
	}
	err := l.file.Close()
	l.file = nil
	return errors.Join(flushErr, err)
}

func (l *Log) drainLocked() error {
	for len(l.pending) > 0 {
		e := l.pending[0]
		err := retry.New(
			retry.Attempts(l.attempts),
			retry.Delay(l.delay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		).Do(func() error {
			return l.writeLocked(e)
		})
		if err != nil {
			return err
		}
		l.pending[0] = Entry{}
		l.pending = l.pending[1:]
	}
	l.pending = nil
	return nil
}

// trimLocked enforces the buffer bound, oldest entries first.
func (l *Log) trimLocked() {
	for len(l.pending) > l.bufferSize {
		l.fallbackLocked(l.pending[0], "audit buffer full")
		l.pending = l.pending[1:]
	}
}

func (l *Log) fallbackLocked(e Entry, why string) {
	l.dropped++
	line, err := json.Marshal(e)
	if err != nil {
		line = []byte(fmt.Sprintf("%+v", e))
	}
	l.logger.Error("audit entry not durable: "+why,
		zap.ByteString("entry", line),
		zap.Int("dropped_total", l.dropped))
}

func (l *Log) writeLocked(entry Entry) error {
	if l.file == nil || l.rotatedLocked() {
		if err := l.reopenLocked(); err != nil {
			return err
		}
	}

	entry.PrevHash = l.prevHash
	line, err := json.Marshal(entry)
	if err != nil {
		// A marshal failure will not improve on retry.
		return retry.Unrecoverable(fmt.Errorf("audit: marshal entry: %w", err))
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.dropFileLocked()
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.dropFileLocked()
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	return nil
}

// rotatedLocked reports whether the path no longer names the open file,
// e.g. after an external rotation moved it away.
func (l *Log) rotatedLocked() bool {
	cur, err := l.file.Stat()
	if err != nil {
		return true
	}
	onDisk, err := os.Stat(l.path)
	if err != nil {
		return true
	}
	return !os.SameFile(cur, onDisk)
}

func (l *Log) reopenLocked() error {
	l.dropFileLocked()
	f, tail, err := l.open(l.path)
	if err != nil {
		return err
	}
	l.file = f
	l.prevHash = tail
	l.logger.Info("audit file reopened", zap.String("path", l.path))
	return nil
}

func (l *Log) dropFileLocked() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
