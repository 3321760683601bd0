package addrsync

import (
	"testing"

	"github.com/quasar-wallet/quasard/internal/config"
)

func TestCoinbaseMaturity(t *testing.T) {
	s, net, _ := newTestEngine(t, 150)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	cb := buildCoinbase(t, []out{{a, 2500000000}})
	s.AddUnverifiedTx(cb.Txid(), 100)
	mustAdd(t, s, cb, false)

	// 150 < 100 + maturity: still immature
	c, u, x := s.GetAddrBalance(a)
	if c != 0 || u != 0 || x != 2500000000 {
		t.Errorf("balance = %d/%d/%d, want immature only", c, u, x)
	}
	if got := s.GetUTXOs([]string{a}, UTXOOptions{Mature: true}); len(got) != 0 {
		t.Errorf("mature filter kept immature coinbase: %v", got)
	}
	if got := s.GetUTXOs([]string{a}, UTXOOptions{}); len(got) != 1 || !got[0].Coinbase {
		t.Errorf("unfiltered coins = %v", got)
	}

	// advance past maturity
	net.height = 100 + config.CoinbaseMaturity
	c, u, x = s.GetAddrBalance(a)
	if c != 2500000000 || x != 0 {
		t.Errorf("balance after maturity = %d/%d/%d", c, u, x)
	}
	if got := s.GetUTXOs([]string{a}, UTXOOptions{Mature: true}); len(got) != 1 {
		t.Errorf("mature coin missing: %v", got)
	}
}

func TestUTXOFilters(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	b := addrFor(t, 0x02)
	s.AddAddress(a)
	s.AddAddress(b)

	confirmed := buildTx(t, []prev{foreignOutpoint(0xa1)}, []out{{a, 1000}})
	s.AddUnverifiedTx(confirmed.Txid(), 50)
	mustAdd(t, s, confirmed, false)

	mempool := buildTx(t, []prev{foreignOutpoint(0xa2)}, []out{{a, 2000}})
	s.AddUnverifiedTx(mempool.Txid(), HeightUnconfirmed)
	mustAdd(t, s, mempool, false)

	local := buildTx(t, []prev{foreignOutpoint(0xa3)}, []out{{b, 3000}})
	mustAdd(t, s, local, false) // never announced: height local

	all := s.GetUTXOs(nil, UTXOOptions{})
	if len(all) != 3 {
		t.Fatalf("unfiltered = %d coins", len(all))
	}

	if got := s.GetUTXOs(nil, UTXOOptions{ConfirmedOnly: true}); len(got) != 1 || got[0].Value != 1000 {
		t.Errorf("confirmed_only = %v", got)
	}
	if got := s.GetUTXOs(nil, UTXOOptions{NonLocalOnly: true}); len(got) != 2 {
		t.Errorf("nonlocal_only = %v", got)
	}
	excluded := map[string]struct{}{a: {}}
	if got := s.GetUTXOs(nil, UTXOOptions{Excluded: excluded}); len(got) != 1 || got[0].Address != b {
		t.Errorf("excluded = %v", got)
	}
}

func TestGetAddrIO(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	fund := buildTx(t, []prev{foreignOutpoint(0xa1)}, []out{{a, 700}})
	s.AddUnverifiedTx(fund.Txid(), 60)
	mustAdd(t, s, fund, false)

	spend := buildTx(t, []prev{{hash: fund.Txid(), n: 0}}, []out{{addrFor(t, 0x03), 650}})
	s.AddUnverifiedTx(spend.Txid(), 70)
	mustAdd(t, s, spend, true)

	received, sent := s.GetAddrIO(a)
	if len(received) != 1 || len(sent) != 1 {
		t.Fatalf("io = %d received, %d sent", len(received), len(sent))
	}
	for _, r := range received {
		if r.Height != 60 || r.Value != 700 || r.Coinbase {
			t.Errorf("received = %+v", r)
		}
	}
	for _, h := range sent {
		if h != 70 {
			t.Errorf("sent height = %d, want spender height 70", h)
		}
	}

	if got := s.GetAddrReceived(a); got != 700 {
		t.Errorf("GetAddrReceived() = %d", got)
	}
	if got := s.GetAddrUTXO(a); len(got) != 0 {
		t.Errorf("GetAddrUTXO() = %v, want empty after spend", got)
	}
}

func TestWalletDeltaAndFee(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	b := addrFor(t, 0x02)
	ext := addrFor(t, 0xe0)
	s.AddAddress(a)
	s.AddAddress(b)

	// fund the wallet: 600 to a, 400 to b
	fund := buildTx(t, []prev{foreignOutpoint(0xa1)}, []out{{a, 600}, {b, 400}})
	s.AddUnverifiedTx(fund.Txid(), 50)
	mustAdd(t, s, fund, false)

	// spend both wallet inputs (1000 in), 800 external + 100 change (900 out)
	spend := buildTx(t,
		[]prev{{hash: fund.Txid(), n: 0}, {hash: fund.Txid(), n: 1}},
		[]out{{ext, 800}, {a, 100}})
	s.AddUnverifiedTx(spend.Txid(), HeightUnconfirmed)
	mustAdd(t, s, spend, true)

	isRelevant, isMine, v, fee := s.GetWalletDelta(spend)
	if !isRelevant || !isMine {
		t.Errorf("relevant=%v mine=%v", isRelevant, isMine)
	}
	if v != -900 {
		t.Errorf("v = %d, want -900 (out_mine 100 - in 1000)", v)
	}
	if fee == nil || *fee != 100 {
		t.Errorf("fee = %v, want 100", fee)
	}

	got := s.GetTxFee(spend)
	if got == nil || *got != 100 {
		t.Errorf("GetTxFee() = %v, want 100", got)
	}
	// the derived fee is now cached
	s.txMu.Lock()
	cached, ok := s.feeCache[spend.Txid()]
	s.txMu.Unlock()
	if !ok || cached != 100 {
		t.Errorf("fee cache = %d,%v", cached, ok)
	}
}

func TestWalletDeltaPruned(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	fund := buildTx(t, []prev{foreignOutpoint(0xa1)}, []out{{a, 600}})
	mustAdd(t, s, fund, false)

	spend := buildTx(t, []prev{{hash: fund.Txid(), n: 0}}, []out{{addrFor(t, 0xe0), 550}})
	mustAdd(t, s, spend, true)

	// drop the funding index entries: the spend's input value is now
	// unknown, so the fee is not derivable
	s.RemoveTransaction(fund.Txid())

	_, isMine, _, fee := s.GetWalletDelta(spend)
	if !isMine {
		// with the prev output gone the input no longer resolves to us
		t.Log("input no longer resolves, treated as foreign")
	}
	if fee != nil {
		t.Errorf("fee = %v, want nil for unresolvable inputs", fee)
	}
}

func TestGetTxFeeFallsBackToServerFee(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	// receive-only tx: no wallet inputs, fee not derivable
	recv := buildTx(t, []prev{foreignOutpoint(0xa1)}, []out{{a, 1000}})
	mustAdd(t, s, recv, false)

	if fee := s.GetTxFee(recv); fee != nil {
		t.Errorf("fee = %v, want nil without server report", fee)
	}

	s.ReceiveHistoryCallback(a, []HistoryEntry{{Txid: recv.Txid(), Height: 0}}, map[string]int64{recv.Txid(): 210})
	if fee := s.GetTxFee(recv); fee == nil || *fee != 210 {
		t.Errorf("fee = %v, want server-reported 210", fee)
	}
}

func TestGetTxValue(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	b := addrFor(t, 0x02)
	s.AddAddress(a)
	s.AddAddress(b)

	fund := buildTx(t, []prev{foreignOutpoint(0xa1)}, []out{{a, 300}, {b, 200}})
	mustAdd(t, s, fund, false)
	if got := s.GetTxValue(fund.Txid()); got != 500 {
		t.Errorf("GetTxValue() = %d, want 500", got)
	}
}

func TestHistoryOrderingAndRunningBalance(t *testing.T) {
	s, _, _ := newTestEngine(t, 520)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	// Tc: +100 confirmed at height 500
	tc := buildTx(t, []prev{foreignOutpoint(0xc1)}, []out{{a, 100}})
	s.AddUnverifiedTx(tc.Txid(), 500)
	mustAdd(t, s, tc, false)

	// Tb: +20 in the mempool
	tb := buildTx(t, []prev{foreignOutpoint(0xb1)}, []out{{a, 20}})
	s.AddUnverifiedTx(tb.Txid(), HeightUnconfirmed)
	mustAdd(t, s, tb, false)

	// Ta: local spend of Tc's output, 70 change back (-30 net)
	ta := buildTx(t, []prev{{hash: tc.Txid(), n: 0}}, []out{{addrFor(t, 0xe0), 30}, {a, 70}})
	mustAdd(t, s, ta, false)

	items := s.GetHistory([]string{a})
	if len(items) != 3 {
		t.Fatalf("history rows = %d, want 3", len(items))
	}

	wantOrder := []string{tc.Txid(), tb.Txid(), ta.Txid()}
	wantDeltas := []int64{100, 20, -30}
	wantBalances := []int64{100, 120, 90}
	for i, item := range items {
		if item.Txid != wantOrder[i] {
			t.Errorf("row %d txid = %s, want %s", i, item.Txid, wantOrder[i])
		}
		if item.Delta == nil || *item.Delta != wantDeltas[i] {
			t.Errorf("row %d delta = %v, want %d", i, item.Delta, wantDeltas[i])
		}
		if item.Balance == nil || *item.Balance != wantBalances[i] {
			t.Errorf("row %d balance = %v, want %d", i, item.Balance, wantBalances[i])
		}
	}

	// sum of deltas equals the final balance
	var sum int64
	for _, item := range items {
		sum += *item.Delta
	}
	if sum != 90 {
		t.Errorf("delta sum = %d, want 90", sum)
	}

	c, u, x := s.GetBalance([]string{a})
	if c+u+x != 90 {
		t.Errorf("total balance = %d, want 90", c+u+x)
	}
}

func TestHistoryMinedStatus(t *testing.T) {
	s, _, _ := newTestEngine(t, 520)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	tc := buildTx(t, []prev{foreignOutpoint(0xc1)}, []out{{a, 100}})
	s.AddVerifiedTx(tc.Txid(), MinedInfo{Height: 500, TxPos: 2, HeaderHash: "hh"})
	mustAdd(t, s, tc, false)

	items := s.GetHistory([]string{a})
	if len(items) != 1 {
		t.Fatalf("history rows = %d", len(items))
	}
	if items[0].Mined.Height != 500 || items[0].Mined.Conf != 21 {
		t.Errorf("mined = %+v", items[0].Mined)
	}
}

func TestEmptyHistory(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	if items := s.GetHistory(nil); len(items) != 0 {
		t.Errorf("empty wallet history = %v", items)
	}
	if !s.IsEmpty(a) {
		t.Error("IsEmpty() = false for fresh address")
	}
	if s.IsUsed(a) {
		t.Error("IsUsed() = true for fresh address")
	}
}
