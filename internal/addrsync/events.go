package addrsync

import (
	"context"
	"fmt"
)

// Address change signals are edge-triggered: every change closes the
// current channel and installs a fresh one, so all current waiters are
// released exactly once and later waiters wait for the next edge.

// markAddressHistoryChangedLocked requires txMu.
func (s *Synchronizer) markAddressHistoryChangedLocked(addr string) {
	if ch, ok := s.addrEvents[addr]; ok {
		close(ch)
	}
	s.addrEvents[addr] = make(chan struct{})
}

// WaitForAddressHistoryToChange blocks until the server tells us about
// a new transaction related to addr, or the context is done.
// Unconfirmed and confirmed transactions are not distinguished.
func (s *Synchronizer) WaitForAddressHistoryToChange(ctx context.Context, addr string) error {
	if !s.IsMine(addr) {
		return fmt.Errorf("address %s is not tracked by this wallet", addr)
	}

	s.txMu.Lock()
	ch, ok := s.addrEvents[addr]
	if !ok {
		ch = make(chan struct{})
		s.addrEvents[addr] = ch
	}
	s.txMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
