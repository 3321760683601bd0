package addrsync

import (
	"errors"
	"testing"
)

func TestUnrelatedRejected(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	z := addrFor(t, 0xee)
	s.AddAddress(a)

	t1 := buildTx(t, []prev{foreignOutpoint(0xaa)}, []out{{z, 5000}})
	ok, err := s.AddTransaction(t1.Txid(), t1, false)
	if !errors.Is(err, ErrUnrelatedTx) {
		t.Fatalf("AddTransaction() error = %v, want ErrUnrelatedTx", err)
	}
	if ok {
		t.Error("unrelated tx reported as added")
	}

	s.txMu.Lock()
	if len(s.transactions) != 0 || len(s.spentOutpoints) != 0 {
		t.Error("state mutated by rejected tx")
	}
	s.txMu.Unlock()
	checkInvariants(t, s)
}

func TestSimpleReceive(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	t2 := buildTx(t, []prev{foreignOutpoint(0xaa)}, []out{{a, 100000}})
	s.AddUnverifiedTx(t2.Txid(), 100)
	mustAdd(t, s, t2, false)

	c, u, x := s.GetAddrBalance(a)
	if c != 100000 || u != 0 || x != 0 {
		t.Errorf("GetAddrBalance() = %d/%d/%d, want 100000/0/0", c, u, x)
	}

	utxos := s.GetUTXOs([]string{a}, UTXOOptions{})
	if len(utxos) != 1 {
		t.Fatalf("GetUTXOs() returned %d coins", len(utxos))
	}
	got := utxos[0]
	if got.Address != a || got.Value != 100000 || got.Height != 100 || got.Coinbase {
		t.Errorf("utxo = %+v", got)
	}
	if got.PrevHash != t2.Txid() || got.PrevN != 0 {
		t.Errorf("utxo outpoint = %s:%d", got.PrevHash, got.PrevN)
	}
	checkInvariants(t, s)
}

func TestConflictConfirmedWins(t *testing.T) {
	s, _, _ := newTestEngine(t, 250)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	x0 := foreignOutpoint(0xcc)
	t3 := buildTx(t, []prev{x0}, []out{{a, 50}})
	s.AddUnverifiedTx(t3.Txid(), 200)
	mustAdd(t, s, t3, false)

	t4 := buildTx(t, []prev{x0}, []out{{addrFor(t, 0x02), 40}})
	s.AddUnverifiedTx(t4.Txid(), HeightUnconfirmed)
	ok, err := s.AddTransaction(t4.Txid(), t4, true)
	if err != nil {
		t.Fatalf("AddTransaction() error = %v", err)
	}
	if ok {
		t.Error("mempool double-spend should lose to confirmed tx")
	}

	s.txMu.Lock()
	_, haveT3 := s.transactions[t3.Txid()]
	_, haveT4 := s.transactions[t4.Txid()]
	s.txMu.Unlock()
	if !haveT3 || haveT4 {
		t.Errorf("retained: t3=%v t4=%v, want t3 only", haveT3, haveT4)
	}

	c, u, x := s.GetAddrBalance(a)
	if c != 50 || u != 0 || x != 0 {
		t.Errorf("GetAddrBalance() = %d/%d/%d, want 50/0/0", c, u, x)
	}
	checkInvariants(t, s)
}

func TestLocalLosesToMempool(t *testing.T) {
	s, _, _ := newTestEngine(t, 250)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	x0 := foreignOutpoint(0xcd)
	t5 := buildTx(t, []prev{x0}, []out{{a, 80}})
	s.AddUnverifiedTx(t5.Txid(), HeightUnconfirmed)
	mustAdd(t, s, t5, false)

	// a local tx (never announced) spending the same outpoint is dropped
	local := buildTx(t, []prev{x0}, []out{{a, 70}})
	ok, err := s.AddTransaction(local.Txid(), local, true)
	if err != nil {
		t.Fatalf("AddTransaction() error = %v", err)
	}
	if ok {
		t.Error("local double-spend should lose to mempool tx")
	}
	checkInvariants(t, s)
}

func TestConflictEvictsMempoolWithDescendants(t *testing.T) {
	s, _, _ := newTestEngine(t, 350)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	x0 := foreignOutpoint(0xce)
	t5 := buildTx(t, []prev{x0}, []out{{a, 80}})
	s.AddUnverifiedTx(t5.Txid(), HeightUnconfirmed)
	mustAdd(t, s, t5, false)

	t5c := buildTx(t, []prev{{hash: t5.Txid(), n: 0}}, []out{{a, 75}})
	s.AddUnverifiedTx(t5c.Txid(), HeightUnconfParent)
	mustAdd(t, s, t5c, false)

	t6 := buildTx(t, []prev{x0}, []out{{a, 60}})
	s.AddUnverifiedTx(t6.Txid(), 300)
	mustAdd(t, s, t6, false)

	s.txMu.Lock()
	_, haveT5 := s.transactions[t5.Txid()]
	_, haveT5c := s.transactions[t5c.Txid()]
	_, haveT6 := s.transactions[t6.Txid()]
	s.txMu.Unlock()
	if haveT5 || haveT5c {
		t.Error("evicted chain still present")
	}
	if !haveT6 {
		t.Error("winning tx missing")
	}
	checkInvariants(t, s)
}

func TestReAddIsNoop(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	t1 := buildTx(t, []prev{foreignOutpoint(0xaa)}, []out{{a, 1000}})
	mustAdd(t, s, t1, false)
	mustAdd(t, s, t1, false) // self-conflict is not a conflict

	c, u, x := s.GetAddrBalance(a)
	if c+u+x != 1000 {
		t.Errorf("balance after re-add = %d", c+u+x)
	}
	checkInvariants(t, s)
}

func TestSpenderArrivesFirst(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	parent := buildTx(t, []prev{foreignOutpoint(0xaa)}, []out{{a, 500}})
	child := buildTx(t, []prev{{hash: parent.Txid(), n: 0}}, []out{{addrFor(t, 0x02), 450}})

	// the child lands before its parent; once the parent arrives the
	// child's txi must pick up the spent value
	mustAdd(t, s, child, true)
	mustAdd(t, s, parent, true)

	if d := s.GetTxDelta(child.Txid(), a); d != -500 {
		t.Errorf("GetTxDelta(child, a) = %d, want -500", d)
	}
	c, u, x := s.GetAddrBalance(a)
	if c != 0 || u != 0 || x != 0 {
		t.Errorf("balance = %d/%d/%d, want all zero (received and spent)", c, u, x)
	}
	checkInvariants(t, s)
}

func TestRemoveTransactionRestoresState(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	before := snapshotState(t, s)

	t1 := buildTx(t, []prev{foreignOutpoint(0xaa)}, []out{{a, 1000}})
	mustAdd(t, s, t1, false)
	s.RemoveTransaction(t1.Txid())

	after := snapshotState(t, s)
	if before != after {
		t.Errorf("state not restored:\nbefore: %s\nafter:  %s", before, after)
	}
	checkInvariants(t, s)
}

func TestRemoveUnknownTransactionScansOutpoints(t *testing.T) {
	s, _, _ := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	t1 := buildTx(t, []prev{foreignOutpoint(0xaa)}, []out{{a, 1000}})
	mustAdd(t, s, t1, false)

	// drop the body first so removal has to fall back to scanning
	s.txMu.Lock()
	delete(s.transactions, t1.Txid())
	s.txMu.Unlock()
	s.RemoveTransaction(t1.Txid())

	s.txMu.Lock()
	defer s.txMu.Unlock()
	if len(s.spentOutpoints) != 0 {
		t.Errorf("spent_outpoints not cleaned: %v", s.spentOutpoints)
	}
	if len(s.txi[t1.Txid()]) != 0 || len(s.txo[t1.Txid()]) != 0 {
		t.Error("index entries survived removal")
	}
}

func TestReceiveHistoryCallback(t *testing.T) {
	s, _, ver := newTestEngine(t, 100)
	a := addrFor(t, 0x01)
	s.AddAddress(a)

	t1 := buildTx(t, []prev{foreignOutpoint(0xaa)}, []out{{a, 1000}})
	if err := s.ReceiveTxCallback(t1.Txid(), t1, 90); err != nil {
		t.Fatalf("ReceiveTxCallback() error = %v", err)
	}

	s.ReceiveHistoryCallback(a, []HistoryEntry{{Txid: t1.Txid(), Height: 90}}, map[string]int64{t1.Txid(): 150})

	if h := s.GetTxHeight(t1.Txid()); h.Height != 90 {
		t.Errorf("height = %d, want 90", h.Height)
	}
	s.txMu.Lock()
	fee := s.txFees[t1.Txid()]
	s.txMu.Unlock()
	if fee != 150 {
		t.Errorf("merged fee = %d", fee)
	}

	// the server retracts the tx: verification state must be dropped
	s.AddVerifiedTx(t1.Txid(), MinedInfo{Height: 90, HeaderHash: "aa"})
	s.ReceiveHistoryCallback(a, nil, nil)

	s.mu.Lock()
	_, stillVerified := s.verifiedTx[t1.Txid()]
	_, stillUnverified := s.unverifiedTx[t1.Txid()]
	s.mu.Unlock()
	if stillVerified || stillUnverified {
		t.Error("retracted tx kept verification state")
	}
	found := false
	for _, txid := range ver.removed {
		if txid == t1.Txid() {
			found = true
		}
	}
	if !found {
		t.Error("SPV proof not released for retracted tx")
	}
	if h := s.GetTxHeight(t1.Txid()); h.Height != HeightLocal {
		t.Errorf("retracted tx height = %d, want local", h.Height)
	}
	checkInvariants(t, s)
}
