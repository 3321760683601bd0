package addrsync

import (
	"math/big"
	"sort"

	"github.com/quasar-wallet/quasard/internal/config"
	"github.com/quasar-wallet/quasard/internal/overlay"
	"github.com/quasar-wallet/quasard/internal/tx"
)

// Received describes one wallet-owned output received by an address.
type Received struct {
	Height   int32
	Value    int64
	Coinbase bool
}

// UTXO is an unspent wallet-owned output.
type UTXO struct {
	Address  string
	Value    int64
	PrevHash string
	PrevN    uint32
	Height   int32
	Coinbase bool
}

// UTXOOptions filters GetUTXOs results.
type UTXOOptions struct {
	// Excluded addresses are skipped entirely.
	Excluded map[string]struct{}
	// Mature drops immature coinbase outputs.
	Mature bool
	// ConfirmedOnly drops outputs at height <= 0.
	ConfirmedOnly bool
	// NonLocalOnly drops outputs of local (unbroadcast) transactions.
	NonLocalOnly bool
}

// HistoryItem is one row of the ordered wallet history.
type HistoryItem struct {
	Txid    string
	Mined   MinedInfo
	Delta   *int64
	Balance *int64

	// Overlay columns are nil unless the token overlay is enabled.
	OverlayDelta   *big.Rat
	OverlayBalance *big.Rat
}

// =============================================================================
// Address I/O and UTXOs
// =============================================================================

// GetAddrIO returns the outputs received by an address (keyed by
// outpoint) and the outpoints spent from it (keyed by outpoint, valued
// by the spending transaction's height).
func (s *Synchronizer) GetAddrIO(address string) (map[string]Received, map[string]int32) {
	localHeight := s.LocalHeight()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.addrIOLocked(address, localHeight)
}

// addrIOLocked requires mu and txMu.
func (s *Synchronizer) addrIOLocked(address string, localHeight int32) (map[string]Received, map[string]int32) {
	h := s.addressHistoryLocked(address, localHeight)
	received := make(map[string]Received)
	sent := make(map[string]int32)
	for _, e := range h {
		for _, o := range s.txo[e.Txid][address] {
			received[tx.OutpointKey(e.Txid, o.N)] = Received{Height: e.Height, Value: o.Value, Coinbase: o.Coinbase}
		}
	}
	for _, e := range h {
		for outKey := range s.txi[e.Txid][address] {
			sent[outKey] = e.Height
		}
	}
	return received, sent
}

// GetAddrUTXO returns the unspent outputs of an address keyed by
// outpoint.
func (s *Synchronizer) GetAddrUTXO(address string) map[string]UTXO {
	localHeight := s.LocalHeight()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.addrUTXOLocked(address, localHeight)
}

// addrUTXOLocked requires mu and txMu.
func (s *Synchronizer) addrUTXOLocked(address string, localHeight int32) map[string]UTXO {
	received, sent := s.addrIOLocked(address, localHeight)
	for outKey := range sent {
		delete(received, outKey)
	}

	out := make(map[string]UTXO, len(received))
	for outKey, r := range received {
		prevHash, prevN, err := tx.ParseOutpointKey(outKey)
		if err != nil {
			continue
		}
		out[outKey] = UTXO{
			Address:  address,
			Value:    r.Value,
			PrevHash: prevHash,
			PrevN:    prevN,
			Height:   r.Height,
			Coinbase: r.Coinbase,
		}
	}
	return out
}

// GetAddrReceived returns the total amount ever received by an address.
func (s *Synchronizer) GetAddrReceived(address string) int64 {
	received, _ := s.GetAddrIO(address)
	var total int64
	for _, r := range received {
		total += r.Value
	}
	return total
}

// GetUTXOs returns the filtered spendable outputs over a domain of
// addresses (all tracked addresses when domain is nil).
func (s *Synchronizer) GetUTXOs(domain []string, opts UTXOOptions) []UTXO {
	localHeight := s.LocalHeight()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if domain == nil {
		domain = s.addressesLocked()
	}

	var coins []UTXO
	for _, addr := range domain {
		if _, skip := opts.Excluded[addr]; skip {
			continue
		}
		utxos := s.addrUTXOLocked(addr, localHeight)

		keys := make([]string, 0, len(utxos))
		for k := range utxos {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			u := utxos[k]
			if opts.ConfirmedOnly && u.Height <= 0 {
				continue
			}
			if opts.NonLocalOnly && u.Height == HeightLocal {
				continue
			}
			if opts.Mature && u.Coinbase && u.Height+config.CoinbaseMaturity > localHeight {
				continue
			}
			coins = append(coins, u)
		}
	}
	return coins
}

// =============================================================================
// Balances
// =============================================================================

// GetAddrBalance returns the balance of an address split into
// confirmed-and-matured, unconfirmed, and unmatured coinbase.
func (s *Synchronizer) GetAddrBalance(address string) (c, u, x int64) {
	localHeight := s.LocalHeight()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.addrBalanceLocked(address, localHeight)
}

// addrBalanceLocked requires mu and txMu.
func (s *Synchronizer) addrBalanceLocked(address string, localHeight int32) (c, u, x int64) {
	received, sent := s.addrIOLocked(address, localHeight)
	for outKey, r := range received {
		switch {
		case r.Coinbase && r.Height+config.CoinbaseMaturity > localHeight:
			x += r.Value
		case r.Height > 0:
			c += r.Value
		default:
			u += r.Value
		}
		if spendHeight, spent := sent[outKey]; spent {
			if spendHeight > 0 {
				c -= r.Value
			} else {
				u -= r.Value
			}
		}
	}
	return c, u, x
}

// GetBalance sums address balances over a domain (all tracked
// addresses when domain is nil).
func (s *Synchronizer) GetBalance(domain []string) (c, u, x int64) {
	localHeight := s.LocalHeight()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.balanceLocked(domain, localHeight)
}

// balanceLocked requires mu and txMu.
func (s *Synchronizer) balanceLocked(domain []string, localHeight int32) (c, u, x int64) {
	if domain == nil {
		domain = s.addressesLocked()
	}
	for _, addr := range domain {
		ac, au, ax := s.addrBalanceLocked(addr, localHeight)
		c += ac
		u += au
		x += ax
	}
	return c, u, x
}

// =============================================================================
// Deltas and fees
// =============================================================================

// GetTxDelta returns the signed effect of a transaction on one address.
func (s *Synchronizer) GetTxDelta(txid, address string) int64 {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.txDeltaLocked(txid, address)
}

// txDeltaLocked requires txMu.
func (s *Synchronizer) txDeltaLocked(txid, address string) int64 {
	var delta int64
	for _, v := range s.txi[txid][address] {
		delta -= v
	}
	for _, o := range s.txo[txid][address] {
		delta += o.Value
	}
	return delta
}

// txDeltaKnownLocked returns nil when the transaction is unknown to
// the derived indexes; an absent contributor poisons history sums.
// Requires txMu.
func (s *Synchronizer) txDeltaKnownLocked(txid, address string) *int64 {
	_, inKnown := s.txi[txid]
	_, outKnown := s.txo[txid]
	if !inKnown && !outKnown {
		return nil
	}
	delta := s.txDeltaLocked(txid, address)
	return &delta
}

// GetTxValue returns the signed effect of a transaction on the whole
// wallet.
func (s *Synchronizer) GetTxValue(txid string) int64 {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	var delta int64
	for _, byAddr := range s.txi[txid] {
		for _, v := range byAddr {
			delta -= v
		}
	}
	for _, outputs := range s.txo[txid] {
		for _, o := range outputs {
			delta += o.Value
		}
	}
	return delta
}

// GetWalletDelta returns the effect of a transaction on the wallet:
// whether it is relevant, whether it spends wallet inputs, the signed
// value change, and the fee (nil when not derivable).
func (s *Synchronizer) GetWalletDelta(t *tx.Transaction) (isRelevant, isMine bool, v int64, fee *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.walletDeltaLocked(t)
}

// walletDeltaLocked requires mu and txMu.
func (s *Synchronizer) walletDeltaLocked(t *tx.Transaction) (isRelevant, isMine bool, v int64, fee *int64) {
	var isPruned, isPartial bool
	var vIn, vOut, vOutMine int64

	for _, in := range t.Inputs() {
		addr := s.txinAddressLocked(in)
		if s.isMineLocked(addr) {
			isMine = true
			isRelevant = true
			found := false
			for _, o := range s.txo[in.PrevHash][addr] {
				if o.N == in.PrevN {
					vIn += o.Value
					found = true
					break
				}
			}
			if !found {
				isPruned = true
			}
		} else {
			isPartial = true
		}
	}
	if !isMine {
		isPartial = false
	}

	for _, o := range t.Outputs() {
		vOut += o.Value
		if s.isMineLocked(TxoutAddress(o)) {
			vOutMine += o.Value
			isRelevant = true
		}
	}

	if isPruned {
		// some wallet inputs have unknown values
		if isMine {
			v = vOutMine - vOut
		} else {
			v = vOutMine
		}
	} else {
		v = vOutMine - vIn
		if !isPartial {
			// all inputs are ours, the fee is derivable
			f := vIn - vOut
			fee = &f
		}
	}
	if !isMine {
		fee = nil
	}
	return isRelevant, isMine, v, fee
}

// GetTxFee returns the fee of a transaction, preferring the
// wallet-derived value and falling back to the server-reported fee.
// Known fees are cached; unknown ones may still change while syncing.
func (s *Synchronizer) GetTxFee(t *tx.Transaction) *int64 {
	if t == nil {
		return nil
	}
	txid := t.Txid()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if cached, ok := s.feeCache[txid]; ok {
		fee := cached
		return &fee
	}

	_, _, _, fee := s.walletDeltaLocked(t)
	if fee == nil {
		if serverFee, ok := s.txFees[txid]; ok {
			fee = &serverFee
		}
	}
	if fee != nil {
		s.feeCache[txid] = *fee
	}
	return fee
}

// =============================================================================
// Ordered history
// =============================================================================

// GetHistory returns the wallet history over a domain in chronological
// order, each row carrying the mined status, the delta on the domain,
// and the running balance. An inconsistent view (nonzero final
// balance) yields an empty list.
func (s *Synchronizer) GetHistory(domain []string) []HistoryItem {
	localHeight := s.LocalHeight()

	// overlay starting balance is fetched before taking any lock
	overlayBalance := s.overlayDomainBalance(domain)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if domain == nil {
		domain = s.addressesLocked()
	}

	// 1. accumulate per-tx deltas over the domain; an unknown
	//    contributor poisons the sum
	txDeltas := make(map[string]*int64)
	overlayDeltas := make(map[string]*big.Rat)
	var order []string
	for _, addr := range domain {
		for _, e := range s.addressHistoryLocked(addr, localHeight) {
			if _, seen := txDeltas[e.Txid]; !seen {
				order = append(order, e.Txid)
				var zero int64
				txDeltas[e.Txid] = &zero
			}
			delta := s.txDeltaKnownLocked(e.Txid, addr)
			if delta == nil || txDeltas[e.Txid] == nil {
				txDeltas[e.Txid] = nil
			} else {
				*txDeltas[e.Txid] += *delta
			}

			if od := s.overlayDeltaLocked(e.Txid, addr); od != nil && od.Sign() != 0 {
				if cur, ok := overlayDeltas[e.Txid]; ok {
					overlayDeltas[e.Txid] = new(big.Rat).Add(cur, od)
				} else {
					overlayDeltas[e.Txid] = od
				}
			}
		}
	}

	// 2. sort newest-first by (height, position)
	sort.SliceStable(order, func(i, j int) bool {
		hi, pi := s.txposLocked(order[i])
		hj, pj := s.txposLocked(order[j])
		if hi != hj {
			return hi > hj
		}
		if pi != pj {
			return pi > pj
		}
		return order[i] > order[j]
	})

	// 3. attach running balances walking newest-first
	c, u, x := s.balanceLocked(domain, localHeight)
	total := c + u + x
	balance := &total

	items := make([]HistoryItem, 0, len(order))
	for _, txid := range order {
		delta := txDeltas[txid]
		item := HistoryItem{
			Txid:         txid,
			Mined:        s.txHeightLocked(txid, localHeight),
			Delta:        delta,
			OverlayDelta: overlayDeltas[txid],
		}
		item.Balance = balance
		if overlayBalance != nil {
			item.OverlayBalance = overlayBalance
		}
		items = append(items, item)

		if balance == nil || delta == nil {
			balance = nil
		} else {
			next := *balance - *delta
			balance = &next
		}
		if od := overlayDeltas[txid]; od != nil && overlayBalance != nil {
			overlayBalance = new(big.Rat).Sub(overlayBalance, od)
		}
	}

	// reverse to chronological order
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	// this may happen if history is incomplete
	if balance != nil && *balance != 0 {
		s.log.Error("history not synchronized", "residual", *balance)
		return []HistoryItem{}
	}
	return items
}

// =============================================================================
// Overlay accessors
// =============================================================================

// OverlayTxData returns the enrichment record for a transaction, if any.
func (s *Synchronizer) OverlayTxData(txid string) (overlay.TxData, bool) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	data, ok := s.overlayTx[txid]
	return data, ok
}

// overlayDeltaLocked returns the token effect of a transaction on an
// address, nil when there is no overlay record. Requires txMu.
func (s *Synchronizer) overlayDeltaLocked(txid, address string) *big.Rat {
	data, ok := s.overlayTx[txid]
	if !ok {
		return nil
	}
	amount := data.AmountRat()
	if amount == nil {
		return nil
	}
	switch address {
	case data.Sender:
		return new(big.Rat).Neg(amount)
	case data.Reference:
		return amount
	}
	return nil
}

// overlayDomainBalance queries the live token balance over a domain.
// Returns nil when the overlay is not configured; individual address
// failures are skipped.
func (s *Synchronizer) overlayDomainBalance(domain []string) *big.Rat {
	if s.overlay == nil || s.overlayPropertyID == 0 {
		return nil
	}
	if domain == nil {
		domain = s.Addresses()
	}
	total := new(big.Rat)
	for _, addr := range domain {
		bal, err := s.overlay.Balance(addr, s.overlayPropertyID)
		if err != nil {
			s.log.Debug("overlay balance unavailable", "address", addr, "error", err)
			continue
		}
		total.Add(total, bal)
	}
	return total
}
