package transfer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/pkg/device"
)

// MaxFeedCapacity guards against accidental misconfiguration.
const MaxFeedCapacity uint32 = 1 << 20

// ErrFeedClosed is returned by Send after Close.
var ErrFeedClosed = errors.New("feed closed")

// FeedMetrics are lock-free counters of a Feed.
type FeedMetrics struct {
	Accepted    int64 // packets handed to Send
	Overwritten int64 // unsent packets discarded to make room
	Delivered   int64 // packets taken by the consumer
}

// Feed is the bounded upstream buffer of a streamed transfer. When it is
// full the oldest unsent packet is discarded, never the newest.
//
// All methods are safe for concurrent use.
type Feed struct {
	buffer   mpmc.RichOverlappedRingBuffer[device.Packet]
	capacity uint32
	logger   *logrus.Logger

	ready chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex // orders Send, Drain and Close
	closed    bool
	err       error

	accepted    atomic.Int64
	overwritten atomic.Int64
	delivered   atomic.Int64
}

// NewFeed creates a feed holding up to capacity packets.
func NewFeed(capacity uint32, logger *logrus.Logger) (*Feed, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("feed capacity must be > 0")
	}
	if capacity > MaxFeedCapacity {
		return nil, fmt.Errorf("feed capacity %d exceeds maximum %d", capacity, MaxFeedCapacity)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Feed{
		// The ring keeps one slot free and rounds up to a power of two.
		buffer:   mpmc.NewOverlappedRingBuffer[device.Packet](capacity + 1),
		capacity: capacity,
		logger:   logger,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Send queues p without blocking.
func (f *Feed) Send(p device.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFeedClosed
	}

	overwrites, err := f.buffer.EnqueueM(p)
	if err != nil {
		return fmt.Errorf("feed enqueue: %w", err)
	}
	for f.buffer.Size() > f.capacity {
		if _, err := f.buffer.Dequeue(); err != nil {
			break
		}
		overwrites++
	}
	f.accepted.Add(1)
	if overwrites > 0 {
		f.overwritten.Add(int64(overwrites))
		f.logger.WithFields(logrus.Fields{
			"overwritten": overwrites,
			"capacity":    f.capacity,
		}).Warn("Feed full, discarded oldest packets")
	}

	select {
	case f.ready <- struct{}{}:
	default:
	}
	return nil
}

// SendData queues data as a single packet of the given mode.
func (f *Feed) SendData(data []byte, mode device.WriteMode) error {
	return f.Send(device.Packet{Mode: mode, Data: data})
}

// Close ends the feed. A nil err is a normal end of data; otherwise the
// transfer consuming the feed fails with err. Only the first call counts.
func (f *Feed) Close(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Drain takes every packet currently buffered, oldest first.
func (f *Feed) Drain() []device.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []device.Packet
	for !f.buffer.IsEmpty() {
		p, err := f.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, p)
	}
	f.delivered.Add(int64(len(out)))
	return out
}

// Ready signals that packets may be available.
func (f *Feed) Ready() <-chan struct{} {
	return f.ready
}

// Done is closed by Close.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Err returns the error passed to Close.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Cap returns how many unsent packets the feed holds before it discards
// the oldest.
func (f *Feed) Cap() uint32 {
	return f.capacity
}

// Metrics returns a snapshot of the feed counters.
func (f *Feed) Metrics() FeedMetrics {
	return FeedMetrics{
		Accepted:    f.accepted.Load(),
		Overwritten: f.overwritten.Load(),
		Delivered:   f.delivered.Load(),
	}
}
