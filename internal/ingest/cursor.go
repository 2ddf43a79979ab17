package ingest

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCursorRegression is returned when a cursor is asked to move backwards.
var ErrCursorRegression = errors.New("ingestion cursor cannot move backwards")

// Cursor is the next block to scan. Every block below it has been fetched
// and its entries committed. It only moves forward.
type Cursor struct {
	mu   sync.RWMutex
	next uint64
}

func NewCursor(start uint64) *Cursor {
	return &Cursor{next: start}
}

func (c *Cursor) Next() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next
}

// Advance moves the cursor to block. Advancing to the current position is a no-op.
func (c *Cursor) Advance(block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if block < c.next {
		return fmt.Errorf("%w: %d -> %d", ErrCursorRegression, c.next, block)
	}
	c.next = block
	return nil
}
