package market

import (
	"sync"

	"depthwatch/pkg/types"
)

// BookKey identifies one venue book.
type BookKey struct {
	Exchange string
	Market   types.MarketKind
	Symbol   string
}

// Registry holds every venue book in the process. Feeds create books on
// first use; the metrics tick looks them up read-only.
type Registry struct {
	mu    sync.RWMutex
	books map[BookKey]*Book
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{books: make(map[BookKey]*Book)}
}

// GetOrCreate returns the book for the key, creating it when absent.
func (r *Registry) GetOrCreate(exchange string, market types.MarketKind, symbol string) *Book {
	key := BookKey{Exchange: exchange, Market: market, Symbol: symbol}

	r.mu.RLock()
	b, ok := r.books[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.books[key]; ok {
		return b
	}
	b = NewBook(exchange, market, symbol)
	r.books[key] = b
	return b
}

// Top returns the sorted top-N of a book. ok is false when the book does
// not exist or has never received data, so callers can treat the venue as
// absent for the tick.
func (r *Registry) Top(exchange string, market types.MarketKind, symbol string, depth int) (types.BookTop, bool) {
	r.mu.RLock()
	b, ok := r.books[BookKey{Exchange: exchange, Market: market, Symbol: symbol}]
	r.mu.RUnlock()
	if !ok || b.LastUpdated().IsZero() {
		return types.BookTop{}, false
	}
	return b.TopN(depth), true
}

// Moves snapshot-resets the level tracker of a book. Returns zero stats
// when the book is absent.
func (r *Registry) Moves(exchange string, market types.MarketKind, symbol string) types.Moves {
	r.mu.RLock()
	b, ok := r.books[BookKey{Exchange: exchange, Market: market, Symbol: symbol}]
	r.mu.RUnlock()
	if !ok {
		return types.Moves{}
	}
	return b.SnapshotMoves()
}
