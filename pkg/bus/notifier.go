package bus

import (
	"sync"
	"time"
)

// StreamNotifier accumulates content deltas and flushes the full accumulated
// text to a callback at a throttled interval. Agent runtimes use it to emit
// sse chunk events at a bounded rate instead of once per provider delta.
type StreamNotifier struct {
	mu       sync.Mutex
	text     string
	onUpdate func(fullText string)
	ticker   *time.Ticker
	done     chan struct{}
	once     sync.Once
	dirty    bool
}

// NewStreamNotifier creates a notifier that calls onUpdate with the full
// accumulated text every interval.
func NewStreamNotifier(interval time.Duration, onUpdate func(fullText string)) *StreamNotifier {
	sn := &StreamNotifier{
		onUpdate: onUpdate,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}
	go sn.loop()
	return sn
}

func (sn *StreamNotifier) loop() {
	for {
		select {
		case <-sn.ticker.C:
			sn.flushIfDirty()
		case <-sn.done:
			return
		}
	}
}

func (sn *StreamNotifier) flushIfDirty() {
	sn.mu.Lock()
	if !sn.dirty || sn.text == "" {
		sn.mu.Unlock()
		return
	}
	text := sn.text
	sn.dirty = false
	sn.mu.Unlock()
	sn.onUpdate(text)
}

// Append adds a content delta to the accumulator.
func (sn *StreamNotifier) Append(delta string) {
	sn.mu.Lock()
	sn.text += delta
	sn.dirty = true
	sn.mu.Unlock()
}

// Flush stops the ticker and performs a final push if there is unsent
// content. Safe to call more than once.
func (sn *StreamNotifier) Flush() {
	sn.once.Do(func() {
		sn.ticker.Stop()
		close(sn.done)
	})
	sn.flushIfDirty()
}

// FullText returns the current accumulated text.
func (sn *StreamNotifier) FullText() string {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.text
}
