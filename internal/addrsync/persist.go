package addrsync

import (
	"encoding/json"
	"fmt"

	"github.com/quasar-wallet/quasard/internal/overlay"
	"github.com/quasar-wallet/quasard/internal/tx"
)

// Snapshot keys. The verified-tx key is versioned; older schemas are
// ignored at load.
const (
	keyTransactions   = "transactions"
	keyTxi            = "txi"
	keyTxo            = "txo"
	keyTxFees         = "tx_fees"
	keyAddrHistory    = "addr_history"
	keySpentOutpoints = "spent_outpoints"
	keyVerifiedTx     = "verified_tx3"
	keyStoredHeight   = "stored_height"
	keyOverlayTx      = "overlay_tx"
)

// minedTuple serializes a verified-tx record as the compact
// [height, timestamp, txpos, header_hash] tuple.
type minedTuple struct {
	Height     int32
	Timestamp  int64
	TxPos      int
	HeaderHash string
}

func (m minedTuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Height, m.Timestamp, m.TxPos, m.HeaderHash})
}

func (m *minedTuple) UnmarshalJSON(data []byte) error {
	var fields [4]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if err := json.Unmarshal(fields[0], &m.Height); err != nil {
		return err
	}
	// timestamp may be null for txs verified before their header was
	// fetched
	_ = json.Unmarshal(fields[1], &m.Timestamp)
	_ = json.Unmarshal(fields[2], &m.TxPos)
	return json.Unmarshal(fields[3], &m.HeaderHash)
}

// =============================================================================
// Save
// =============================================================================

// SaveTransactions stages the transaction snapshot; write forces a
// flush to disk.
func (s *Synchronizer) SaveTransactions(write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.saveTransactionsLocked(write)
}

// saveTransactionsLocked requires mu and txMu.
func (s *Synchronizer) saveTransactionsLocked(write bool) error {
	rawTxs := make(map[string]string, len(s.transactions))
	for txid, t := range s.transactions {
		rawTxs[txid] = t.RawHex()
	}

	puts := []struct {
		key   string
		value interface{}
	}{
		{keyTransactions, rawTxs},
		{keyTxi, s.txi},
		{keyTxo, s.txo},
		{keyTxFees, s.txFees},
		{keyAddrHistory, s.history},
		{keySpentOutpoints, s.spentOutpoints},
	}
	for _, p := range puts {
		if err := s.store.Put(p.key, p.value); err != nil {
			return err
		}
	}
	if s.overlay != nil {
		if err := s.store.Put(keyOverlayTx, s.overlayTx); err != nil {
			return err
		}
	}
	if write {
		return s.store.Write()
	}
	return nil
}

// SaveVerifiedTx stages the verified-tx snapshot; write forces a flush
// to disk.
func (s *Synchronizer) SaveVerifiedTx(write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]minedTuple, len(s.verifiedTx))
	for txid, info := range s.verifiedTx {
		records[txid] = minedTuple{
			Height:     info.Height,
			Timestamp:  info.Timestamp,
			TxPos:      info.TxPos,
			HeaderHash: info.HeaderHash,
		}
	}
	if err := s.store.Put(keyVerifiedTx, records); err != nil {
		return err
	}
	if write {
		return s.store.Write()
	}
	return nil
}

// =============================================================================
// Load
// =============================================================================

// loadAndCleanup restores state from the store and repairs it:
// foreign addresses are pruned, indexed-but-missing transactions are
// re-ingested, unreferenced bodies dropped, and local transactions
// without a body removed.
func (s *Synchronizer) loadAndCleanup() error {
	if err := s.loadVerified(); err != nil {
		return err
	}
	if err := s.loadTransactions(); err != nil {
		return err
	}
	s.loadLocalHistory()
	if err := s.checkHistory(); err != nil {
		return err
	}
	s.loadUnverified()
	s.removeLocalTxsWeDontHave()
	return nil
}

func (s *Synchronizer) loadVerified() error {
	var records map[string]minedTuple
	if _, err := s.store.Get(keyVerifiedTx, &records); err != nil {
		return fmt.Errorf("failed to load verified txs: %w", err)
	}
	for txid, r := range records {
		s.verifiedTx[txid] = MinedInfo{
			Height:     r.Height,
			Timestamp:  r.Timestamp,
			TxPos:      r.TxPos,
			HeaderHash: r.HeaderHash,
		}
	}

	var height int32
	if _, err := s.store.Get(keyStoredHeight, &height); err != nil {
		return fmt.Errorf("failed to load stored height: %w", err)
	}
	s.storedHeight = height
	return nil
}

func (s *Synchronizer) loadTransactions() error {
	if _, err := s.store.Get(keyTxi, &s.txi); err != nil {
		return fmt.Errorf("failed to load txi: %w", err)
	}
	if _, err := s.store.Get(keyTxo, &s.txo); err != nil {
		return fmt.Errorf("failed to load txo: %w", err)
	}
	if _, err := s.store.Get(keyTxFees, &s.txFees); err != nil {
		return fmt.Errorf("failed to load tx fees: %w", err)
	}
	if s.overlay != nil {
		var overlayTx map[string]overlay.TxData
		if _, err := s.store.Get(keyOverlayTx, &overlayTx); err != nil {
			return fmt.Errorf("failed to load overlay records: %w", err)
		}
		for txid, data := range overlayTx {
			s.overlayTx[txid] = data
		}
	}

	var rawTxs map[string]string
	if _, err := s.store.Get(keyTransactions, &rawTxs); err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}
	for txid, rawHex := range rawTxs {
		t, err := tx.Parse(rawHex, s.params)
		if err != nil {
			s.log.Warn("dropping unparsable tx", "txid", txid, "error", err)
			continue
		}
		_, inTxi := s.txi[txid]
		_, inTxo := s.txo[txid]
		if !inTxi && !inTxo {
			s.log.Debug("removing unreferenced tx", "txid", txid)
			continue
		}
		s.transactions[txid] = t
	}

	// only keep spent-outpoint entries whose spender we have
	var spent map[string]map[uint32]string
	if _, err := s.store.Get(keySpentOutpoints, &spent); err != nil {
		return fmt.Errorf("failed to load spent outpoints: %w", err)
	}
	for prevHash, spenders := range spent {
		for prevN, spending := range spenders {
			if _, known := s.transactions[spending]; !known {
				continue
			}
			if s.spentOutpoints[prevHash] == nil {
				s.spentOutpoints[prevHash] = make(map[uint32]string)
			}
			s.spentOutpoints[prevHash][prevN] = spending
		}
	}
	return nil
}

func (s *Synchronizer) loadLocalHistory() {
	for txid := range s.txi {
		s.addTxToLocalHistoryLocked(txid)
	}
	for txid := range s.txo {
		s.addTxToLocalHistoryLocked(txid)
	}
}

func (s *Synchronizer) checkHistory() error {
	var history map[string][]HistoryEntry
	if _, err := s.store.Get(keyAddrHistory, &history); err != nil {
		return fmt.Errorf("failed to load address history: %w", err)
	}
	for addr, hist := range history {
		s.history[addr] = hist
	}

	save := false
	for addr := range s.history {
		if !s.isMineLocked(addr) {
			delete(s.history, addr)
			save = true
		}
	}
	for _, addr := range s.addressesLocked() {
		for _, e := range s.history[addr] {
			// an index entry that exists but is empty still needs
			// re-ingesting: the body survived the unreferenced sweep
			// without contributing to any address
			if len(s.txi[e.Txid]) > 0 || len(s.txo[e.Txid]) > 0 {
				continue
			}
			t := s.transactions[e.Txid]
			if t == nil {
				continue
			}
			if _, err := s.addTransactionLocked(e.Txid, t, true, s.storedHeight); err != nil {
				s.log.Warn("failed to re-ingest tx", "txid", e.Txid, "error", err)
				continue
			}
			save = true
		}
	}
	if save {
		return s.saveTransactionsLocked(false)
	}
	return nil
}

func (s *Synchronizer) loadUnverified() {
	// review transactions that are in the history, in case they were
	// previously unconfirmed
	for _, hist := range s.history {
		for _, e := range hist {
			s.AddUnverifiedTx(e.Txid, e.Height)
		}
	}
}

func (s *Synchronizer) removeLocalTxsWeDontHave() {
	seen := make(map[string]struct{})
	for txid := range s.txi {
		seen[txid] = struct{}{}
	}
	for txid := range s.txo {
		seen[txid] = struct{}{}
	}
	for txid := range seen {
		if _, have := s.transactions[txid]; have {
			continue
		}
		if s.txHeightLocked(txid, s.storedHeight).Height == HeightLocal {
			s.removeTransactionLocked(txid)
		}
	}
}
