package addrsync

// =============================================================================
// SPV verification state
// =============================================================================

// AddUnverifiedTx records a claimed height for a transaction pending
// verification. Heights <= 0 are never verified; a positive height is
// the block the SPV collaborator should prove against.
//
// A verified transaction reported back at a mempool height is demoted:
// the server no longer sees it in a block.
func (s *Synchronizer) AddUnverifiedTx(txid string, height int32) {
	demoted := false

	s.mu.Lock()
	if _, verified := s.verifiedTx[txid]; verified {
		if height == HeightUnconfirmed || height == HeightUnconfParent {
			delete(s.verifiedTx, txid)
			demoted = true
		}
	} else {
		s.unverifiedTx[txid] = height
	}
	s.mu.Unlock()

	if demoted && s.verifier != nil {
		s.verifier.RemoveSPVProof(txid)
	}
}

// RemoveUnverifiedTx removes the pending claim only if it still holds
// the given height (compare-and-swap against concurrent updates).
func (s *Synchronizer) RemoveUnverifiedTx(txid string, height int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.unverifiedTx[txid]; ok && current == height {
		delete(s.unverifiedTx, txid)
	}
}

// AddVerifiedTx moves a transaction from unverified to verified and
// notifies the network subscribers.
func (s *Synchronizer) AddVerifiedTx(txid string, info MinedInfo) {
	s.mu.Lock()
	delete(s.unverifiedTx, txid)
	s.verifiedTx[txid] = info
	s.mu.Unlock()

	status := s.GetTxHeight(txid)
	if s.network != nil {
		s.network.NotifyVerified(txid, status)
	}
}

// GetUnverifiedTxs returns a copy of the pending-verification map.
func (s *Synchronizer) GetUnverifiedTxs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int32, len(s.unverifiedTx))
	for txid, h := range s.unverifiedTx {
		out[txid] = h
	}
	return out
}

// UndoVerifications demotes verified transactions whose proof chain
// was replaced by a reorg from the given height. Returns the demoted
// txids.
func (s *Synchronizer) UndoVerifications(chain HeaderReader, height int32) []string {
	var demoted []string

	s.mu.Lock()
	defer s.mu.Unlock()
	for txid, info := range s.verifiedTx {
		if info.Height < height {
			continue
		}
		header := chain.ReadHeader(info.Height)
		if header != nil && header.Hash() == info.HeaderHash {
			continue
		}
		delete(s.verifiedTx, txid)
		// Re-queued at the OLD height: if the new fork mines the tx
		// at the same height, no address-status update will arrive to
		// re-trigger verification, so a pending claim must remain; if
		// the height differs, the next status update overwrites it.
		s.unverifiedTx[txid] = info.Height
		demoted = append(demoted, txid)
	}
	return demoted
}

// GetTxHeight returns the mined status of a transaction: verified
// (with confirmations against the local tip), unverified (claimed
// height, zero confirmations), or local.
func (s *Synchronizer) GetTxHeight(txid string) MinedInfo {
	localHeight := s.LocalHeight()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txHeightLocked(txid, localHeight)
}

// txHeightLocked requires mu.
func (s *Synchronizer) txHeightLocked(txid string, localHeight int32) MinedInfo {
	if info, ok := s.verifiedTx[txid]; ok {
		conf := localHeight - info.Height + 1
		if conf < 0 {
			conf = 0
		}
		info.Conf = conf
		return info
	}
	if height, ok := s.unverifiedTx[txid]; ok {
		return MinedInfo{Height: height}
	}
	return MinedInfo{Height: HeightLocal}
}

// txposLocked returns the (height, position) sort key used by history
// ordering; unverified mempool/local transactions sort past any block,
// unknown transactions last. Requires mu.
func (s *Synchronizer) txposLocked(txid string) (int64, int) {
	if info, ok := s.verifiedTx[txid]; ok {
		return int64(info.Height), info.TxPos
	}
	if height, ok := s.unverifiedTx[txid]; ok {
		if height > 0 {
			return int64(height), 0
		}
		return unverifiedSortBase - int64(height), 0
	}
	return unknownSortKey, 0
}
