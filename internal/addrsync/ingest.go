package addrsync

import (
	"fmt"

	"github.com/quasar-wallet/quasard/internal/tx"
)

// =============================================================================
// Transaction ingest
// =============================================================================

// AddTransaction reconciles a complete transaction into the wallet
// view. It returns false (without error) when conflict precedence
// rejects the transaction, and ErrUnrelatedTx when the transaction
// touches no wallet address and allowUnrelated is false.
//
// Conflict precedence: confirmed > mempool > local; a surviving new
// transaction evicts all conflicting transactions along with their
// dependents.
func (s *Synchronizer) AddTransaction(txid string, t *tx.Transaction, allowUnrelated bool) (bool, error) {
	if txid == "" || t == nil {
		return false, fmt.Errorf("missing transaction")
	}
	if !t.IsComplete() {
		return false, fmt.Errorf("transaction %s is not fully signed", txid)
	}

	localHeight := s.LocalHeight()

	s.mu.Lock()
	added, err := func() (bool, error) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
		return s.addTransactionLocked(txid, t, allowUnrelated, localHeight)
	}()
	s.mu.Unlock()

	if err != nil || !added {
		return added, err
	}

	// Token-overlay enrichment happens outside the locks; failures
	// degrade to no record.
	if s.overlay != nil {
		data, oerr := s.overlay.DecodeTransaction(t.RawHex(), txid)
		if oerr != nil {
			s.log.Debug("overlay enrichment failed", "txid", txid, "error", oerr)
		} else if !data.Empty() {
			s.txMu.Lock()
			s.overlayTx[txid] = data
			s.txMu.Unlock()
		}
	}
	return true, nil
}

// addTransactionLocked requires mu and txMu.
//
// NOTE: we do not return early when the tx is already known. We track
// is-mine inputs, and subsequent calls may learn of more inputs being
// ours as new addresses come under watch.
func (s *Synchronizer) addTransactionLocked(txid string, t *tx.Transaction, allowUnrelated bool, localHeight int32) (bool, error) {
	isCoinbase := t.IsCoinbase()
	txHeight := s.txHeightLocked(txid, localHeight).Height

	if !allowUnrelated {
		// During sync, out-of-order delivery can make a related tx
		// look unrelated until its parent arrives; callers on that
		// path pass allowUnrelated.
		related := false
		for _, in := range t.Inputs() {
			if s.isMineLocked(s.txinAddressLocked(in)) {
				related = true
				break
			}
		}
		if !related {
			for _, o := range t.Outputs() {
				if s.isMineLocked(TxoutAddress(o)) {
					related = true
					break
				}
			}
		}
		if !related {
			return false, ErrUnrelatedTx
		}
	}

	conflicts, err := s.conflictingTxsLocked(txid, t)
	if err != nil {
		return false, err
	}
	if len(conflicts) > 0 {
		var existingMempool, existingConfirmed bool
		for other := range conflicts {
			switch h := s.txHeightLocked(other, localHeight).Height; {
			case h == HeightUnconfirmed || h == HeightUnconfParent:
				existingMempool = true
			case h > 0:
				existingConfirmed = true
			}
		}
		if existingConfirmed && txHeight <= 0 {
			// non-confirmed tx conflicting with confirmed ones; drop
			return false, nil
		}
		if existingMempool && txHeight == HeightLocal {
			// local tx conflicting with non-local ones; drop
			return false, nil
		}
		// keep this tx and evict all conflicts with their dependents
		toRemove := make(map[string]struct{})
		for other := range conflicts {
			toRemove[other] = struct{}{}
			for dep := range s.dependingTxsLocked(other) {
				toRemove[dep] = struct{}{}
			}
		}
		for other := range toRemove {
			s.removeTransactionLocked(other)
		}
	}

	// index inputs
	txiEntries := make(map[string]map[string]int64)
	s.txi[txid] = txiEntries
	for _, in := range t.Inputs() {
		if in.Coinbase {
			continue
		}
		outKey := tx.OutpointKey(in.PrevHash, in.PrevN)
		spenders := s.spentOutpoints[in.PrevHash]
		if spenders == nil {
			spenders = make(map[uint32]string)
			s.spentOutpoints[in.PrevHash] = spenders
		}
		spenders[in.PrevN] = txid

		// credit the value from the wallet-owned prev output, if known
		for addr, outputs := range s.txo[in.PrevHash] {
			for _, o := range outputs {
				if o.N == in.PrevN && s.isMineLocked(addr) {
					byAddr := txiEntries[addr]
					if byAddr == nil {
						byAddr = make(map[string]int64)
						txiEntries[addr] = byAddr
					}
					byAddr[outKey] = o.Value
				}
			}
		}
	}

	// index outputs
	txoEntries := make(map[string][]TxoEntry)
	s.txo[txid] = txoEntries
	for n, o := range t.Outputs() {
		addr := TxoutAddress(o)
		if addr == "" || !s.isMineLocked(addr) {
			continue
		}
		txoEntries[addr] = append(txoEntries[addr], TxoEntry{N: uint32(n), Value: o.Value, Coinbase: isCoinbase})

		// if the spender of this output arrived first, hand it the value
		if spender, ok := s.spentOutpoints[txid][uint32(n)]; ok {
			spenderTxi := s.txi[spender]
			if spenderTxi == nil {
				spenderTxi = make(map[string]map[string]int64)
				s.txi[spender] = spenderTxi
			}
			byAddr := spenderTxi[addr]
			if byAddr == nil {
				byAddr = make(map[string]int64)
				spenderTxi[addr] = byAddr
			}
			byAddr[tx.OutpointKey(txid, uint32(n))] = o.Value
			s.addTxToLocalHistoryLocked(spender)
		}
	}

	s.addTxToLocalHistoryLocked(txid)
	s.transactions[txid] = t
	return true, nil
}

// RemoveTransaction removes a transaction and its index entries. It
// does not recurse; eviction of dependents happens in AddTransaction.
func (s *Synchronizer) RemoveTransaction(txid string) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.removeTransactionLocked(txid)
}

// removeTransactionLocked requires txMu.
func (s *Synchronizer) removeTransactionLocked(txid string) {
	s.log.Debug("removing tx from history", "txid", txid)

	t := s.transactions[txid]
	delete(s.transactions, txid)

	if t != nil {
		// with the tx in hand, undo its spends directly
		for _, in := range t.Inputs() {
			if in.Coinbase {
				continue
			}
			if spenders, ok := s.spentOutpoints[in.PrevHash]; ok {
				delete(spenders, in.PrevN)
				if len(spenders) == 0 {
					delete(s.spentOutpoints, in.PrevHash)
				}
			}
		}
	} else {
		// expensive but always works
		for prevHash, spenders := range s.spentOutpoints {
			for prevN, spending := range spenders {
				if spending == txid {
					delete(spenders, prevN)
				}
			}
			if len(spenders) == 0 {
				delete(s.spentOutpoints, prevHash)
			}
		}
	}

	// Drop the tx's own outpoint submap if nothing spends from it.
	// If other txs spend from it, the submap goes when they do.
	if spenders, ok := s.spentOutpoints[txid]; ok && len(spenders) == 0 {
		delete(s.spentOutpoints, txid)
	}

	s.removeTxFromLocalHistoryLocked(txid)
	delete(s.txi, txid)
	delete(s.txo, txid)
	delete(s.overlayTx, txid)
	delete(s.feeCache, txid)
}

// conflictingTxsLocked returns wallet transactions that spend an
// outpoint also spent by t, excluding txid itself. Requires txMu.
func (s *Synchronizer) conflictingTxsLocked(txid string, t *tx.Transaction) (map[string]struct{}, error) {
	conflicts := make(map[string]struct{})
	for _, in := range t.Inputs() {
		if in.Coinbase {
			continue
		}
		spending, ok := s.spentOutpoints[in.PrevHash][in.PrevN]
		if !ok {
			continue
		}
		if _, known := s.transactions[spending]; !known {
			return nil, fmt.Errorf("spent outpoint %s points at unknown tx %s", tx.OutpointKey(in.PrevHash, in.PrevN), spending)
		}
		conflicts[spending] = struct{}{}
	}
	if _, self := conflicts[txid]; self {
		// the tx is already in history; conflicting with itself is a
		// no-op re-add, anything more means corrupt state
		if len(conflicts) > 1 {
			return nil, ErrConflictingHistory
		}
		delete(conflicts, txid)
	}
	return conflicts, nil
}

// dependingTxsLocked returns all (grand-)children of txid in this
// wallet, via spent_outpoints. Requires txMu.
func (s *Synchronizer) dependingTxsLocked(txid string) map[string]struct{} {
	children := make(map[string]struct{})
	var walk func(string)
	walk = func(parent string) {
		for _, child := range s.spentOutpoints[parent] {
			if _, seen := children[child]; seen {
				continue
			}
			children[child] = struct{}{}
			walk(child)
		}
	}
	walk(txid)
	return children
}

// =============================================================================
// Syncer callbacks
// =============================================================================

// ReceiveTxCallback ingests a transaction announced by the network at
// the given height.
func (s *Synchronizer) ReceiveTxCallback(txid string, t *tx.Transaction, height int32) error {
	s.AddUnverifiedTx(txid, height)
	_, err := s.AddTransaction(txid, t, true)
	return err
}

// ReceiveHistoryCallback applies the server's authoritative history
// for an address: retracted txids lose their verification state, new
// entries are queued for SPV, cached bodies are re-indexed (a new
// address may reveal new is-mine edges), and fees are merged.
func (s *Synchronizer) ReceiveHistoryCallback(addr string, hist []HistoryEntry, fees map[string]int64) {
	localHeight := s.LocalHeight()

	inNew := make(map[HistoryEntry]struct{}, len(hist))
	for _, e := range hist {
		inNew[e] = struct{}{}
	}

	var droppedProofs []string
	s.mu.Lock()
	s.txMu.Lock()
	old := s.addressHistoryLocked(addr, localHeight)
	s.txMu.Unlock()
	for _, e := range old {
		if _, keep := inNew[e]; !keep {
			// make tx local
			delete(s.unverifiedTx, e.Txid)
			delete(s.verifiedTx, e.Txid)
			droppedProofs = append(droppedProofs, e.Txid)
		}
	}
	s.history[addr] = hist
	s.mu.Unlock()

	if s.verifier != nil {
		for _, txid := range droppedProofs {
			s.verifier.RemoveSPVProof(txid)
		}
	}

	for _, e := range hist {
		// queue in case it was previously unconfirmed
		s.AddUnverifiedTx(e.Txid, e.Height)

		// if addr is new we have to recompute txi and txo
		s.txMu.Lock()
		t := s.transactions[e.Txid]
		s.txMu.Unlock()
		if t == nil {
			continue
		}
		if _, err := s.AddTransaction(e.Txid, t, true); err != nil {
			s.log.Warn("failed to re-index tx", "txid", e.Txid, "error", err)
		}
	}

	s.txMu.Lock()
	for txid, fee := range fees {
		s.txFees[txid] = fee
	}
	s.txMu.Unlock()
}
