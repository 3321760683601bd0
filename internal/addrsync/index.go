package addrsync

import (
	"github.com/quasar-wallet/quasard/internal/tx"
)

// =============================================================================
// Derived index primitives
// =============================================================================

// TxinAddress resolves the address an input spends from: the address
// recovered from the unlocking script when available, otherwise the
// indexed previous output.
func (s *Synchronizer) TxinAddress(in tx.Input) string {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.txinAddressLocked(in)
}

// txinAddressLocked requires txMu.
func (s *Synchronizer) txinAddressLocked(in tx.Input) string {
	if in.Coinbase {
		return ""
	}
	if in.Address != "" {
		return in.Address
	}
	for addr, outputs := range s.txo[in.PrevHash] {
		for _, o := range outputs {
			if o.N == in.PrevN {
				return addr
			}
		}
	}
	return ""
}

// TxoutAddress returns the address an output pays, or "" when the
// output pays no address (nulldata, nonstandard). Raw pubkey outputs
// were already resolved to their P2PKH form at parse time.
func TxoutAddress(o tx.Output) string {
	if o.Kind == tx.OutputOther {
		return ""
	}
	return o.Address
}

// addTxToLocalHistoryLocked inserts txid into the local history of
// every address it touches and signals waiters. Requires txMu.
func (s *Synchronizer) addTxToLocalHistoryLocked(txid string) {
	for addr := range s.txi[txid] {
		s.insertLocalHistoryLocked(addr, txid)
	}
	for addr := range s.txo[txid] {
		s.insertLocalHistoryLocked(addr, txid)
	}
}

// insertLocalHistoryLocked requires txMu.
func (s *Synchronizer) insertLocalHistoryLocked(addr, txid string) {
	hist := s.historyLocal[addr]
	if hist == nil {
		hist = make(map[string]struct{})
		s.historyLocal[addr] = hist
	}
	hist[txid] = struct{}{}
	s.markAddressHistoryChangedLocked(addr)
}

// removeTxFromLocalHistoryLocked is the symmetric removal; silent if
// absent. Requires txMu.
func (s *Synchronizer) removeTxFromLocalHistoryLocked(txid string) {
	for addr := range s.txi[txid] {
		s.dropLocalHistoryLocked(addr, txid)
	}
	for addr := range s.txo[txid] {
		s.dropLocalHistoryLocked(addr, txid)
	}
}

// dropLocalHistoryLocked requires txMu.
func (s *Synchronizer) dropLocalHistoryLocked(addr, txid string) {
	if hist, ok := s.historyLocal[addr]; ok {
		delete(hist, txid)
	}
}
