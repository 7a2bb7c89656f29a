// Package playback serializes audio output: clips enqueue into a FIFO and at
// most one plays at a time, in submission order, regardless of how quickly
// their bytes became available.
package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

// ErrQueueClosed is reported for items that were still pending when the
// queue shut down.
var ErrQueueClosed = errors.New("playback: queue closed")

// Player renders a single clip. Play blocks until the clip finishes or ctx
// is cancelled; cancellation stops output early and returns ctx.Err().
type Player interface {
	Play(ctx context.Context, clip tts.Clip) error
}

// item is one queued clip together with its completion channel.
type item struct {
	clip tts.Clip
	done chan error
}

// Queue plays clips one at a time in FIFO order. A background worker drains
// the queue; the current item can be skipped without disturbing the ones
// behind it.
//
// All methods are safe for concurrent use.
type Queue struct {
	player Player

	mu      sync.Mutex
	pending []*item
	wake    chan struct{}
	closed  bool

	// skipCurrent cancels the in-flight Play call, nil when idle.
	skipCurrent context.CancelFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewQueue creates a Queue draining into player and starts its worker.
func NewQueue(player Player) *Queue {
	q := &Queue{
		player: player,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.drain()
	return q
}

// Enqueue appends a clip to the FIFO and returns immediately. The returned
// channel delivers the playback result (nil, a Player error, or
// context.Canceled after SkipCurrent) and is then closed.
func (q *Queue) Enqueue(clip tts.Clip) <-chan error {
	it := &item{clip: clip, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.done <- ErrQueueClosed
		close(it.done)
		return it.done
	}
	q.pending = append(q.pending, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it.done
}

// SkipCurrent stops the active clip, if any, and lets the next one start.
// Pending clips are unaffected.
func (q *Queue) SkipCurrent() {
	q.mu.Lock()
	cancel := q.skipCurrent
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Len returns the number of clips waiting to play, excluding the active one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the worker after the active clip ends and fails all pending
// items with ErrQueueClosed. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	close(q.stop)
	for _, it := range pending {
		it.done <- ErrQueueClosed
		close(it.done)
	}
	q.wg.Wait()
}

// drain is the worker loop: pop the head, play it to completion, repeat.
func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		it := q.pop()
		if it == nil {
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		q.mu.Lock()
		q.skipCurrent = cancel
		q.mu.Unlock()

		err := q.player.Play(ctx, it.clip)

		q.mu.Lock()
		q.skipCurrent = nil
		q.mu.Unlock()
		cancel()

		it.done <- err
		close(it.done)
	}
}

// pop removes and returns the head of the FIFO, or nil when empty.
func (q *Queue) pop() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	return it
}
