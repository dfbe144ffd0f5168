// Package nfc turns a tag read/write primitive into a small session state
// machine with explicit cancellation.
package nfc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/compat"
	"github.com/0gfoundation/0g-nfc-pay/internal/payerr"
	"github.com/0gfoundation/0g-nfc-pay/internal/tag"
)

// Manager owns at most one hardware session at a time.
type Manager struct {
	hw  Hardware
	log *zap.Logger

	// opMu serializes session acquisition; Stop never takes it.
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(hw Hardware, log *zap.Logger) *Manager {
	return &Manager{hw: hw, log: log, state: StateIdle}
}

// State returns the current state and the error that ended the last session.
func (m *Manager) State() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.lastErr
}

// StartScan opens a scan session. Any existing session is stopped first.
// The returned channel closes when the session ends.
func (m *Manager) StartScan(ctx context.Context, env compat.Environment) (<-chan ScanEvent, error) {
	if report := compat.Probe(env); !report.Supported {
		return nil, payerr.New(payerr.KindUnsupportedPlatform, errors.New(report.Reason))
	}

	// Release a running session before queueing behind it.
	m.Stop()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.Stop()

	scanCtx, cancel := context.WithCancel(ctx)
	m.begin(StatePermissionPending, cancel, nil)

	if err := m.hw.RequestPermission(scanCtx); err != nil {
		if scanCtx.Err() != nil {
			m.end(cancel, StateIdle, nil)
			return nil, scanCtx.Err()
		}
		perr := payerr.New(payerr.KindPermissionDenied, err)
		m.end(cancel, StateScanError, perr)
		return nil, perr
	}

	readings, err := m.hw.Scan(scanCtx)
	if err != nil {
		if scanCtx.Err() != nil {
			m.end(cancel, StateIdle, nil)
			return nil, scanCtx.Err()
		}
		herr := classifyHardware(err)
		m.end(cancel, StateScanError, herr)
		return nil, herr
	}

	events := make(chan ScanEvent)
	done := make(chan struct{})
	if !m.begin(StateScanning, cancel, done) {
		// Stopped while waiting for permission.
		return nil, context.Canceled
	}
	go m.pump(scanCtx, cancel, readings, events, done)

	m.log.Info("nfc scan started")
	return events, nil
}

// Stop ends the active session, if any, and waits until no further events
// can be delivered. It is a no-op when nothing is running.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	if cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancel, m.done = nil, nil
	m.state = StateIdle
	m.lastErr = nil
	m.mu.Unlock()

	cancel()
	if done != nil {
		<-done
	}
	m.log.Info("nfc session stopped")
}

// Write stores p on the next tag presented. A scan in progress is stopped.
func (m *Manager) Write(ctx context.Context, env compat.Environment, p tag.ProductPayload) error {
	if report := compat.Probe(env); !report.Supported {
		return payerr.New(payerr.KindUnsupportedPlatform, errors.New(report.Reason))
	}
	raw, err := tag.Encode(p)
	if err != nil {
		return fmt.Errorf("encode tag payload: %w", err)
	}

	m.Stop()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.Stop()

	writeCtx, cancel := context.WithCancel(ctx)
	m.begin(StatePermissionPending, cancel, nil)

	if err := m.hw.RequestPermission(writeCtx); err != nil {
		if writeCtx.Err() != nil {
			m.end(cancel, StateIdle, nil)
			return writeCtx.Err()
		}
		perr := payerr.New(payerr.KindPermissionDenied, err)
		m.end(cancel, StateWriteError, perr)
		return perr
	}
	if !m.begin(StateWriting, cancel, nil) {
		return context.Canceled
	}

	if err := m.hw.Write(writeCtx, raw); err != nil {
		if writeCtx.Err() != nil {
			m.end(cancel, StateIdle, nil)
			return writeCtx.Err()
		}
		werr := classifyHardware(err)
		m.end(cancel, StateWriteError, werr)
		m.log.Warn("nfc write failed", zap.String("product", p.ProductID), zap.Error(err))
		return werr
	}

	m.end(cancel, StateWriteSuccess, nil)
	m.log.Info("nfc tag written", zap.String("product", p.ProductID))
	return nil
}

// begin records cancel as the live session. A session that is already past
// PermissionPending (cancel was cleared by Stop) is not revived.
func (m *Manager) begin(state State, cancel context.CancelFunc, done chan struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state != StatePermissionPending && m.cancel == nil {
		return false
	}
	m.state = state
	m.lastErr = nil
	m.cancel = cancel
	m.done = done
	return true
}

// end closes the session identified by cancel unless Stop already did.
func (m *Manager) end(cancel context.CancelFunc, state State, err error) {
	m.mu.Lock()
	owned := m.cancel != nil
	if owned {
		m.cancel, m.done = nil, nil
		m.state = state
		m.lastErr = err
	}
	m.mu.Unlock()
	cancel()
}

func (m *Manager) pump(ctx context.Context, cancel context.CancelFunc, readings <-chan Reading, events chan<- ScanEvent, done chan struct{}) {
	defer close(done)
	defer close(events)

	for {
		select {
		case <-ctx.Done():
			return
		case rd, ok := <-readings:
			if !ok {
				m.finish(done, cancel, StateIdle, nil)
				return
			}
			if rd.Err != nil {
				herr := classifyHardware(rd.Err)
				m.emit(ctx, events, ScanEvent{Serial: rd.Serial, Err: herr})
				m.finish(done, cancel, StateScanError, herr)
				return
			}
			p, err := firstProduct(rd.Records)
			if err != nil {
				// Not fatal: report once for this detection and keep listening.
				m.log.Debug("nfc tag without product data", zap.String("serial", rd.Serial), zap.Error(err))
				m.emit(ctx, events, ScanEvent{Serial: rd.Serial, Err: payerr.New(payerr.KindTagParse, err)})
				continue
			}
			m.emit(ctx, events, ScanEvent{Serial: rd.Serial, Product: p})
			m.finish(done, cancel, StateTagRead, nil)
			m.log.Info("nfc tag read", zap.String("serial", rd.Serial), zap.String("product", p.ProductID))
			return
		}
	}
}

// finish ends the session from inside the pump without waiting on done.
func (m *Manager) finish(done chan struct{}, cancel context.CancelFunc, state State, err error) {
	m.mu.Lock()
	if m.done == done {
		m.cancel, m.done = nil, nil
		m.state = state
		m.lastErr = err
	}
	m.mu.Unlock()
	cancel()
}

func (m *Manager) emit(ctx context.Context, events chan<- ScanEvent, ev ScanEvent) {
	if ctx.Err() != nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

var errNoProduct = errors.New("no valid product data on tag")

// firstProduct returns the first record the tag codec accepts.
func firstProduct(records []Record) (*tag.ProductPayload, error) {
	for _, r := range records {
		if p, err := tag.Decode(r.Data); err == nil {
			return p, nil
		}
	}
	return nil, errNoProduct
}

func classifyHardware(err error) error {
	if errors.Is(err, ErrPermission) {
		return payerr.New(payerr.KindPermissionDenied, err)
	}
	return payerr.New(payerr.KindTagHardware, err)
}
