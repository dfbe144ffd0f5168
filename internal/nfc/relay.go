package nfc

import (
	"context"
	"errors"
	"sync"
)

// ErrWriteBusy is returned when a write is already waiting for the bridge.
var ErrWriteBusy = errors.New("nfc: a tag write is already pending")

// Relay is a Hardware fed by a reader bridge: a browser tab using Web NFC, or a
// USB reader helper, forwards its reading callbacks and performs queued writes.
type Relay struct {
	mu     sync.Mutex
	denied bool
	scan   chan Reading
	write  *pendingWrite
}

type pendingWrite struct {
	data   []byte
	result chan error
}

func NewRelay() *Relay {
	return &Relay{}
}

// SetPermission records the bridge's permission prompt outcome.
func (r *Relay) SetPermission(granted bool) {
	r.mu.Lock()
	r.denied = !granted
	r.mu.Unlock()
}

func (r *Relay) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied {
		return ErrPermission
	}
	return nil
}

func (r *Relay) Scan(ctx context.Context) (<-chan Reading, error) {
	ch := make(chan Reading, 8)
	r.mu.Lock()
	if r.scan != nil {
		close(r.scan)
	}
	r.scan = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if r.scan == ch {
			r.scan = nil
			close(ch)
		}
		r.mu.Unlock()
	}()
	return ch, nil
}

// Push hands a bridge reading to the open scan. It reports false when no scan
// is open or the scan is not keeping up.
func (r *Relay) Push(rd Reading) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scan == nil {
		return false
	}
	select {
	case r.scan <- rd:
		return true
	default:
		return false
	}
}

// Scanning reports whether a scan is open on the relay.
func (r *Relay) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scan != nil
}

// Write queues data for the bridge and waits for CompleteWrite.
func (r *Relay) Write(ctx context.Context, data []byte) error {
	pw := &pendingWrite{data: data, result: make(chan error, 1)}
	r.mu.Lock()
	if r.write != nil {
		r.mu.Unlock()
		return ErrWriteBusy
	}
	r.write = pw
	r.mu.Unlock()

	select {
	case err := <-pw.result:
		return err
	case <-ctx.Done():
		r.mu.Lock()
		if r.write == pw {
			r.write = nil
		}
		r.mu.Unlock()
		return ctx.Err()
	}
}

// PendingWrite returns the bytes the bridge should write, if any.
func (r *Relay) PendingWrite() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.write == nil {
		return nil, false
	}
	return r.write.data, true
}

// CompleteWrite delivers the bridge's write outcome. It reports false when no
// write was pending.
func (r *Relay) CompleteWrite(err error) bool {
	r.mu.Lock()
	pw := r.write
	r.write = nil
	r.mu.Unlock()
	if pw == nil {
		return false
	}
	pw.result <- err
	return true
}
