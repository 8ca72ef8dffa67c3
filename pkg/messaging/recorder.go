package messaging

import (
	"context"
	"sync"
)

// Recorder keeps every message it is handed. It is used as an in-process
// sink in tests and by tools that print what would have been published.
type Recorder struct {
	mu     sync.Mutex
	books  []*BookUpdate
	events []*OrderEvent
	err    error
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// SendBookUpdate records the update
func (r *Recorder) SendBookUpdate(_ context.Context, update *BookUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.books = append(r.books, update)
	return nil
}

// SendOrderEvent records the event
func (r *Recorder) SendOrderEvent(_ context.Context, event *OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// FailWith makes subsequent sends return err. A nil err clears it.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// BookUpdates returns a copy of the recorded updates
func (r *Recorder) BookUpdates() []*BookUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*BookUpdate(nil), r.books...)
}

// OrderEvents returns a copy of the recorded events
func (r *Recorder) OrderEvents() []*OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*OrderEvent(nil), r.events...)
}

// Close does nothing
func (r *Recorder) Close() error {
	return nil
}

var (
	_ BookSender       = (*Recorder)(nil)
	_ OrderEventSender = (*Recorder)(nil)
)
