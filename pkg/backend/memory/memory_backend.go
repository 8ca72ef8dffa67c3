package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/erain9/tradeclient/pkg/messaging"
)

// MemoryBackend keeps the most recent book update per instrument in process.
// Updates older than the stored sequence are ignored.
type MemoryBackend struct {
	sync.RWMutex
	books   map[string]*messaging.BookUpdate
	updates uint64
	stale   uint64
}

// NewMemoryBackend creates a new in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		books: make(map[string]*messaging.BookUpdate),
	}
}

// SendBookUpdate stores a copy of update
func (b *MemoryBackend) SendBookUpdate(ctx context.Context, update *messaging.BookUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.Lock()
	defer b.Unlock()

	if prev, ok := b.books[update.Instrument]; ok && prev.Sequence >= update.Sequence {
		b.stale++
		return nil
	}

	stored := *update
	stored.Bids = append(stored.Bids[:0:0], update.Bids...)
	stored.Asks = append(stored.Asks[:0:0], update.Asks...)
	b.books[update.Instrument] = &stored
	b.updates++
	return nil
}

// Latest returns the stored update for instrument
func (b *MemoryBackend) Latest(instrument string) (messaging.BookUpdate, bool) {
	b.RLock()
	defer b.RUnlock()

	update, ok := b.books[instrument]
	if !ok {
		return messaging.BookUpdate{}, false
	}
	return *update, true
}

// Instruments returns the instruments with a stored update, sorted
func (b *MemoryBackend) Instruments() []string {
	b.RLock()
	defer b.RUnlock()

	names := make([]string, 0, len(b.books))
	for name := range b.books {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns how many updates were stored and how many were stale
func (b *MemoryBackend) Counts() (updates, stale uint64) {
	b.RLock()
	defer b.RUnlock()
	return b.updates, b.stale
}

// String implements fmt.Stringer interface
func (b *MemoryBackend) String() string {
	sb := strings.Builder{}
	for _, name := range b.Instruments() {
		update, ok := b.Latest(name)
		if !ok {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n%s #%d -> bid %g ask %g spread %g (%d/%d levels)",
			name, update.Sequence, update.BestBid, update.BestAsk, update.Spread,
			len(update.Bids), len(update.Asks)))
	}
	return sb.String()
}

var _ messaging.BookSender = (*MemoryBackend)(nil)
