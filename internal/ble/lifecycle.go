package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/rowanhart/ble-bridge-core/internal/bus"
)

// OpOptions overrides the retry budget of a single lifecycle operation.
// Zero values fall back to the system-wide options.
type OpOptions struct {
	MaxRetries int
	Timeout    time.Duration
}

func (s *System) opDefaults(opts OpOptions) OpOptions {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = s.opts.MaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.opts.AttemptTimeout
	}
	return opts
}

// Connect brings the device to the connected state.
//
// The bus method's return value is not trusted for completion: the stack
// may acknowledge the call before its state settles. Each attempt issues
// Connect, then polls the record's connected flag, which only the
// reconciliation handler flips from the property signal. A failed
// attempt backs off, resets the peer with a best-effort Disconnect, and
// retries.
func (s *System) Connect(ctx context.Context, rec *Record, opts OpOptions) error {
	opts = s.opDefaults(opts)
	path := rec.ObjectPath()
	if path == "" || !rec.subscribed() {
		return fmt.Errorf("%w: %s", ErrNotDiscovered, rec.MAC())
	}

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if rec.Connected() {
			return nil
		}

		callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := s.conn.Invoke(callCtx, path, bus.DeviceIface+".Connect")
		cancel()
		if err != nil {
			if bus.IsUnknownObject(err) {
				rec.reset().Cancel()
				return fmt.Errorf("connect %s: %w", rec.MAC(), err)
			}
			// The call may have raced ahead of the property signal;
			// the poll below decides the attempt.
			s.logger.Debug("connect call returned error", "mac", rec.MAC(), "attempt", attempt, "error", err)
		}

		if s.waitFlag(ctx, opts.Timeout, rec.Connected) {
			if err := s.refreshCharacteristics(ctx, rec); err != nil {
				s.logger.Warn("characteristic refresh after connect failed", "mac", rec.MAC(), "error", err)
			}
			s.logger.Info("device connected", "mac", rec.MAC(), "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt < opts.MaxRetries {
			if !s.backoff(ctx) {
				return ctx.Err()
			}
			if err := s.conn.Invoke(ctx, path, bus.DeviceIface+".Disconnect"); err != nil {
				s.logger.Debug("reset disconnect failed", "mac", rec.MAC(), "error", err)
			}
		}
	}

	return fmt.Errorf("connect %s after %d attempts: %w", rec.MAC(), opts.MaxRetries, ErrAttemptsExhausted)
}

// Pair drives the device to the paired state, symmetric to Connect but
// watching the paired flag. A successful pair also trusts the device so
// the stack reconnects it without prompting.
func (s *System) Pair(ctx context.Context, rec *Record, opts OpOptions) error {
	opts = s.opDefaults(opts)
	path := rec.ObjectPath()
	if path == "" || !rec.subscribed() {
		return fmt.Errorf("%w: %s", ErrNotDiscovered, rec.MAC())
	}

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if rec.Paired() {
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := s.conn.Invoke(callCtx, path, bus.DeviceIface+".Pair")
		cancel()
		if err != nil {
			switch {
			case bus.IsUnknownObject(err):
				rec.reset().Cancel()
				return fmt.Errorf("pair %s: %w", rec.MAC(), err)
			case bus.IsInProgress(err):
				// A stuck earlier attempt blocks the new one; clear it.
				if cerr := s.conn.Invoke(ctx, path, bus.DeviceIface+".CancelPairing"); cerr != nil {
					s.logger.Debug("cancel pairing failed", "mac", rec.MAC(), "error", cerr)
				}
			default:
				s.logger.Debug("pair call returned error", "mac", rec.MAC(), "attempt", attempt, "error", err)
			}
		}

		if s.waitFlag(ctx, opts.Timeout, rec.Paired) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt == opts.MaxRetries {
			return fmt.Errorf("pair %s after %d attempts: %w", rec.MAC(), opts.MaxRetries, ErrAttemptsExhausted)
		}
		if !s.backoff(ctx) {
			return ctx.Err()
		}
	}

	if !rec.Trusted() {
		if err := s.conn.SetProperty(ctx, path, bus.DeviceIface, "Trusted", true); err != nil {
			s.logger.Warn("set trusted after pair failed", "mac", rec.MAC(), "error", err)
		}
	}
	s.logger.Info("device paired", "mac", rec.MAC())
	return nil
}

// Disconnect issues a single Disconnect and returns. The connected flag
// flips when the property signal arrives; callers that care observe the
// resulting device_update event.
func (s *System) Disconnect(ctx context.Context, rec *Record) error {
	path := rec.ObjectPath()
	if path == "" {
		return fmt.Errorf("%w: %s", ErrNotDiscovered, rec.MAC())
	}
	if err := s.conn.Invoke(ctx, path, bus.DeviceIface+".Disconnect"); err != nil {
		return fmt.Errorf("disconnect %s: %w", rec.MAC(), err)
	}
	return nil
}

// waitFlag polls flag at the configured interval until it reports true
// or the timeout elapses.
func (s *System) waitFlag(ctx context.Context, timeout time.Duration, flag func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if flag() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// backoff pauses between attempts; false means the context was canceled.
func (s *System) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.opts.RetryBackoff):
		return true
	}
}
