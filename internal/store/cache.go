package store

import (
	"sync"
	"time"
)

// memlog is the in-memory tail of one table. Items are held in append order,
// which is timestamp order on the live path, and pruned by timestamp on
// every touch.
type memlog[T any] struct {
	mu    sync.Mutex
	items []T
	ts    func(T) int64
	keep  time.Duration
}

func newMemlog[T any](keep time.Duration, ts func(T) int64) *memlog[T] {
	return &memlog[T]{ts: ts, keep: keep}
}

func (l *memlog[T]) add(vs ...T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, vs...)
	l.pruneLocked()
}

// tail returns the last limit items passing match, oldest first. limit <= 0
// means no cap.
func (l *memlog[T]) tail(limit int, match func(T) bool) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()

	out := make([]T, 0, len(l.items))
	for _, it := range l.items {
		if match == nil || match(it) {
			out = append(out, it)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// last returns the newest item passing match.
func (l *memlog[T]) last(match func(T) bool) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()

	for i := len(l.items) - 1; i >= 0; i-- {
		if match == nil || match(l.items[i]) {
			return l.items[i], true
		}
	}
	var zero T
	return zero, false
}

func (l *memlog[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	return len(l.items)
}

func (l *memlog[T]) pruneLocked() {
	cut := cutoff(l.keep)
	kept := l.items[:0]
	for _, it := range l.items {
		if l.ts(it) >= cut {
			kept = append(kept, it)
		}
	}
	l.items = kept
}
