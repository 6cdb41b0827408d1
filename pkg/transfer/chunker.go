package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smallnest/ringbuffer"

	"github.com/srg/blemux/pkg/device"
)

// Chunker is an io.WriteCloser that re-frames a byte stream into packets of
// exactly unit bytes and sends them to a Feed. Close flushes the short tail
// and closes the feed.
type Chunker struct {
	feed *Feed
	unit int
	mode device.WriteMode

	mu     sync.Mutex
	buf    *ringbuffer.RingBuffer
	closed bool
}

// NewChunker creates a chunker. unit must be positive.
func NewChunker(feed *Feed, unit int, mode device.WriteMode) (*Chunker, error) {
	if unit <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0, got %d", unit)
	}
	return &Chunker{
		feed: feed,
		unit: unit,
		mode: mode,
		buf:  ringbuffer.New(unit * 4),
	}, nil
}

// Write buffers p and emits every complete unit.
func (c *Chunker) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrFeedClosed
	}

	written := 0
	for written < len(p) {
		room := c.buf.Capacity() - c.buf.Length()
		n, err := c.buf.Write(p[written:min(len(p), written+room)])
		if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
			return written, err
		}
		written += n
		if err := c.emit(c.unit); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close sends the buffered tail and closes the feed.
func (c *Chunker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.emit(1)
	c.feed.Close(nil)
	return err
}

// Abort closes the feed with cause, discarding the buffered tail.
func (c *Chunker) Abort(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.buf.Reset()
	c.feed.Close(cause)
}

// emit sends packets while at least threshold bytes are buffered.
func (c *Chunker) emit(threshold int) error {
	for c.buf.Length() >= threshold && !c.buf.IsEmpty() {
		chunk := make([]byte, c.unit)
		n, err := c.buf.TryRead(chunk)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := c.feed.SendData(chunk[:n], c.mode); err != nil {
			return err
		}
	}
	return nil
}
