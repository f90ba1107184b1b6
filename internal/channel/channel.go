// Package channel implements the fan-out streaming channel: a bounded,
// file-backed single-producer/multi-consumer pipe. One writer appends bytes
// while any number of readers independently stream them back, each from its
// own cursor, without buffering the object in memory.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrReset is returned to a reader cursor whose position predates a Reset.
// It wraps ErrBrokenPipe, so a reset also reads as a broken pipe.
var ErrReset = fmt.Errorf("channel: reset while reading: %w", ErrBrokenPipe)

// ErrBrokenPipe is returned to a reader cursor when the writer is dropped
// (or the channel itself is dropped) without calling Finish.
var ErrBrokenPipe = errors.New("channel: broken pipe")

// state is the shared, mutex-guarded publication tuple. generation bumps on
// every Reset so in-flight readers can detect a truncation underneath them.
type state struct {
	mu         sync.Mutex
	cond       *sync.Cond
	length     int64
	eof        bool
	generation int
	closed     bool // writer dropped without Finish, or channel discarded
}

func newState() *state {
	s := &state{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *state) publish(length int64, eof bool) {
	s.mu.Lock()
	s.length = length
	s.eof = eof
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *state) publishReset() {
	s.mu.Lock()
	s.length = 0
	s.eof = false
	s.generation++
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *state) publishClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Channel is constructed with a directory; it allocates a uniquely named
// backing file there. It is not safe for
// concurrent use by multiple goroutines except through the Writer/Reader
// handles Init returns.
type Channel struct {
	path  string
	file  *os.File
	state *state
	kept  bool
	mu    sync.Mutex // guards kept only
}

// New allocates a channel backed by a uniquely named file inside dir. It
// takes no size hint: the backing file starts empty, is not preallocated,
// and grows only as the writer appends.
func New(dir string) (*Channel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("channel: creating dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString())
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("channel: creating backing file: %w", err)
	}
	return &Channel{
		path:  path,
		file:  f,
		state: newState(),
	}, nil
}

// Path returns the backing file's current path. It is valid to call at any
// point in the channel's lifetime.
func (c *Channel) Path() string {
	return c.path
}

// Init produces one Writer and one Reader handle for the channel. It may be
// called only once per Channel.
func (c *Channel) Init() (*Writer, *Reader, error) {
	w := &Writer{
		channel: c,
		buf:     bufio.NewWriter(c.file),
	}
	r := &Reader{channel: c}
	return w, r, nil
}

// Keep consumes the channel and returns the persisted file path, transferring
// ownership away from the channel's drop-unlink behavior. After Keep, Drop no
// longer unlinks the file; it still closes the backing file descriptor and
// marks the channel closed for reader cursors.
func (c *Channel) Keep() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kept = true
	return c.path, nil
}

// Drop discards the channel: it closes the backing file descriptor and
// unlinks the file unless Keep was already called, and wakes any pending
// reader cursors with ErrBrokenPipe.
func (c *Channel) Drop() {
	c.mu.Lock()
	kept := c.kept
	c.mu.Unlock()

	c.state.publishClosed()
	_ = c.file.Close()
	if !kept {
		_ = os.Remove(c.path)
	}
}

// Writer is the exclusive capability to append to, flush, reset, and close a
// channel. Exactly one exists per channel at a time.
type Writer struct {
	channel *Channel
	buf     *bufio.Writer
	mu      sync.Mutex
	done    bool
}

// Write appends to the backing file through a buffered writer, then
// publishes the new logical length to all subscribers. Calls are serialized
// by w's own mutex; callers must not call Write concurrently with Reset or
// Finish either.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, fmt.Errorf("channel: write after finish")
	}
	n, err := w.buf.Write(p)
	if err != nil {
		return n, fmt.Errorf("channel: write: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return n, fmt.Errorf("channel: flush: %w", err)
	}
	length, err := w.channel.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return n, fmt.Errorf("channel: seek: %w", err)
	}
	w.channel.state.publish(length, false)
	return n, nil
}

// Reset flushes, truncates the backing file to length zero, and publishes a
// fresh generation at (length=0, eof=false). Any reader cursor whose
// position was nonzero observes the generation change and fails with
// ErrReset. Reset is idempotent on an already-empty channel.
func (w *Writer) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fmt.Errorf("channel: reset after finish")
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("channel: flush: %w", err)
	}
	if err := w.channel.file.Truncate(0); err != nil {
		return fmt.Errorf("channel: truncate: %w", err)
	}
	if _, err := w.channel.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("channel: seek: %w", err)
	}
	w.buf.Reset(w.channel.file)
	w.channel.state.publishReset()
	return nil
}

// Finish flushes and publishes eof=true. After Finish, further Write is
// forbidden; reader cursors that reach the published length terminate
// cleanly.
func (w *Writer) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("channel: flush: %w", err)
	}
	length, err := w.channel.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("channel: seek: %w", err)
	}
	w.done = true
	w.channel.state.publish(length, true)
	return nil
}

// Drop releases the writer without calling Finish. Outstanding and
// subsequently-opened reader cursors observe this and fail with
// ErrBrokenPipe. Safe to call after Finish (no-op).
func (w *Writer) Drop() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if !done {
		w.channel.state.publishClosed()
	}
}

// Reader is the non-exclusive capability to open read cursors over a
// channel. Many Readers may coexist and each may call Stream many times;
// every call returns an independent cursor starting at offset zero.
type Reader struct {
	channel *Channel
}

// Stream returns a lazy byte sequence observing the writer's progress. It
// may be called repeatedly and from different goroutines.
func (r *Reader) Stream() (*Cursor, error) {
	f, err := os.Open(r.channel.path)
	if err != nil {
		return nil, fmt.Errorf("channel: opening cursor: %w", err)
	}
	return &Cursor{
		state:      r.channel.state,
		file:       f,
		buf:        bufio.NewReader(f),
		generation: r.generation(),
	}, nil
}

func (r *Reader) generation() int {
	r.channel.state.mu.Lock()
	defer r.channel.state.mu.Unlock()
	return r.channel.state.generation
}

// Cursor is one independent read position over a channel's byte stream.
type Cursor struct {
	state      *state
	file       *os.File
	buf        *bufio.Reader
	position   int64
	generation int
}

// Read implements io.Reader, blocking until bytes are published, EOF is
// reached, or the channel fails.
func (c *Cursor) Read(p []byte) (int, error) {
	for {
		c.state.mu.Lock()
		for c.state.length <= c.position && !c.state.eof && !c.state.closed && c.state.generation == c.generation {
			c.state.cond.Wait()
		}
		length, eof, closed, generation := c.state.length, c.state.eof, c.state.closed, c.state.generation
		c.state.mu.Unlock()

		if generation != c.generation && c.position != 0 {
			return 0, ErrReset
		}
		if generation != c.generation {
			// A reader that hadn't started yet (position == 0) rides
			// through the reset transparently: adopt the new generation
			// and keep waiting on it.
			c.generation = generation
			continue
		}
		if c.position < length {
			n, err := c.buf.Read(p)
			if n > 0 {
				c.position += int64(n)
				return n, nil
			}
			if err != nil && err != io.EOF {
				return 0, fmt.Errorf("channel: read: %w", err)
			}
			// The buffered read returned nothing despite the published
			// length being ahead: the on-disk length lagged the
			// publication by a flush boundary. Wait for the next
			// publication rather than spin.
			if closed {
				return 0, ErrBrokenPipe
			}
			c.state.mu.Lock()
			for c.state.length == length && c.state.eof == eof && !c.state.closed && c.state.generation == generation {
				c.state.cond.Wait()
			}
			c.state.mu.Unlock()
			continue
		}
		if closed {
			return 0, ErrBrokenPipe
		}
		if eof {
			return 0, io.EOF
		}
	}
}

// Close releases the cursor's file handle.
func (c *Cursor) Close() error {
	return c.file.Close()
}
