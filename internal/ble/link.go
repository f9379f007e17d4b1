package ble

import (
	"context"
	"time"
)

// LinkDevices scans until every registered device has been discovered
// (or the scan duration runs out), merges the discovered state into the
// registry, and drives each device toward connected and paired.
//
// The poll loop exits early once every registry MAC appears in the
// discovered view, after a short grace period that lets in-flight
// characteristic signals land. Devices the scan never saw keep their
// records and are picked up by a later link pass.
func (s *System) LinkDevices(ctx context.Context, scanDuration time.Duration) error {
	macs := s.registry.MACs()
	if len(macs) == 0 {
		return nil
	}

	handle, err := s.Scan(ctx, scanDuration)
	if err != nil {
		return err
	}
	view := handle.View()

	ticker := time.NewTicker(s.opts.LinkPoll)
	defer ticker.Stop()

poll:
	for {
		if allDiscovered(view, macs) {
			select {
			case <-time.After(s.opts.LinkGrace):
			case <-ctx.Done():
			}
			handle.Stop()
			break poll
		}
		select {
		case <-ctx.Done():
			handle.Stop()
			return ctx.Err()
		case <-handle.Done():
			break poll
		case <-ticker.C:
		}
	}

	for _, mac := range macs {
		discovered, ok := view.Get(mac)
		if !ok {
			s.logger.Warn("device not seen during scan", "mac", mac)
			continue
		}
		rec, ok := s.registry.Get(mac)
		if !ok {
			continue
		}

		rec.copyStateFrom(discovered)
		s.installSubscription(rec, rec.ObjectPath())

		if !rec.Connected() {
			if err := s.Connect(ctx, rec, OpOptions{}); err != nil {
				s.logger.Warn("link connect failed", "mac", mac, "error", err)
				continue
			}
		}
		if !rec.Paired() {
			if err := s.Pair(ctx, rec, OpOptions{}); err != nil {
				s.logger.Warn("link pair failed", "mac", mac, "error", err)
			}
		}
	}
	return ctx.Err()
}

func allDiscovered(view *DiscoveredView, macs []string) bool {
	for _, mac := range macs {
		if !view.Has(mac) {
			return false
		}
	}
	return true
}
