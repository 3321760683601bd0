// Package addrsync tracks wallet address history and UTXOs for a
// Bitcoin-family light client. It reconciles server-reported address
// histories and raw transactions against a persisted local view and
// answers balance, UTXO, and history queries. An SPV collaborator
// promotes transactions to verified; a reorg demotes them back.
package addrsync

import (
	"errors"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/quasar-wallet/quasard/internal/headers"
	"github.com/quasar-wallet/quasard/internal/overlay"
	"github.com/quasar-wallet/quasard/internal/storage"
	"github.com/quasar-wallet/quasard/internal/tx"
	"github.com/quasar-wallet/quasard/pkg/logging"
)

// Transaction height sentinels. Heights above zero are block heights.
const (
	// HeightLocal marks a wallet-created transaction not yet seen by
	// the network.
	HeightLocal int32 = -2
	// HeightUnconfParent marks a mempool transaction with unconfirmed
	// parents.
	HeightUnconfParent int32 = -1
	// HeightUnconfirmed marks a mempool transaction.
	HeightUnconfirmed int32 = 0
)

// Sort keys pushing unconfirmed/local transactions past any block.
const (
	unverifiedSortBase int64 = 1e9
	unknownSortKey     int64 = 1e9 + 1
)

var (
	// ErrUnrelatedTx is returned by AddTransaction when the
	// transaction touches no wallet address and unrelated
	// transactions were not allowed.
	ErrUnrelatedTx = errors.New("transaction is unrelated to this wallet")

	// ErrConflictingHistory signals corrupt state: a transaction is
	// already in history and still conflicts with others.
	ErrConflictingHistory = errors.New("found conflicting transactions already in wallet history")
)

// MinedInfo describes where (and whether) a transaction is mined.
type MinedInfo struct {
	Height     int32
	Conf       int32
	Timestamp  int64
	TxPos      int
	HeaderHash string
}

// HistoryEntry is one (txid, height) pair of an address history.
type HistoryEntry struct {
	Txid   string `json:"txid"`
	Height int32  `json:"height"`
}

// TxoEntry records one wallet-owned output of a transaction.
type TxoEntry struct {
	N        uint32 `json:"n"`
	Value    int64  `json:"value"`
	Coinbase bool   `json:"coinbase"`
}

// Network is the engine's view of the outer network layer.
type Network interface {
	LocalHeight() int32
	NotifyVerified(txid string, info MinedInfo)
	NotifyStatus()
}

// Verifier is the SPV collaborator.
type Verifier interface {
	RemoveSPVProof(txid string)
	IsUpToDate() bool
}

// AddressAdder registers newly watched addresses with the syncer.
type AddressAdder interface {
	Add(address string)
}

// HeaderReader supplies headers from the (possibly reorged) chain.
type HeaderReader interface {
	ReadHeader(height int32) *headers.Header
}

// Config configures a Synchronizer.
type Config struct {
	Store  storage.Store
	Params *chaincfg.Params
	Logger *logging.Logger

	// Overlay enables token-overlay enrichment when non-nil.
	Overlay           *overlay.Client
	OverlayPropertyID int64

	// IsMine optionally overrides address ownership. The default
	// treats every address with a history entry as owned.
	IsMine func(address string) bool
}

// Synchronizer is the wallet address-history and UTXO tracking engine.
//
// Lock order: mu before txMu. Methods suffixed Locked state which
// locks the caller must hold.
type Synchronizer struct {
	store  storage.Store
	params *chaincfg.Params
	log    *logging.Logger

	network  Network
	verifier Verifier
	syncer   AddressAdder

	isMineFn func(string) bool

	// mu guards history, verifiedTx, unverifiedTx, upToDate.
	mu sync.Mutex
	// txMu guards transactions, txi, txo, spentOutpoints, txFees,
	// historyLocal, feeCache, overlayTx, addrEvents.
	txMu sync.Mutex

	history      map[string][]HistoryEntry
	verifiedTx   map[string]MinedInfo
	unverifiedTx map[string]int32
	upToDate     bool

	transactions map[string]*tx.Transaction
	// txi: txid -> address -> outpoint key -> value spent from that address
	txi map[string]map[string]map[string]int64
	// txo: txid -> address -> wallet-owned outputs
	txo            map[string]map[string][]TxoEntry
	spentOutpoints map[string]map[uint32]string
	txFees         map[string]int64
	historyLocal   map[string]map[string]struct{}
	feeCache       map[string]int64
	addrEvents     map[string]chan struct{}

	overlay           *overlay.Client
	overlayPropertyID int64
	overlayTx         map[string]overlay.TxData

	storedHeight int32
}

// New creates a Synchronizer and restores its state from the store,
// running the load-time cleanup passes.
func New(cfg *Config) (*Synchronizer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetDefault().Component("addrsync")
	}

	s := &Synchronizer{
		store:             cfg.Store,
		params:            cfg.Params,
		log:               logger,
		isMineFn:          cfg.IsMine,
		history:           make(map[string][]HistoryEntry),
		verifiedTx:        make(map[string]MinedInfo),
		unverifiedTx:      make(map[string]int32),
		transactions:      make(map[string]*tx.Transaction),
		txi:               make(map[string]map[string]map[string]int64),
		txo:               make(map[string]map[string][]TxoEntry),
		spentOutpoints:    make(map[string]map[uint32]string),
		txFees:            make(map[string]int64),
		historyLocal:      make(map[string]map[string]struct{}),
		feeCache:          make(map[string]int64),
		addrEvents:        make(map[string]chan struct{}),
		overlay:           cfg.Overlay,
		overlayPropertyID: cfg.OverlayPropertyID,
		overlayTx:         make(map[string]overlay.TxData),
	}

	if err := s.loadAndCleanup(); err != nil {
		return nil, err
	}
	return s, nil
}

// StartNetwork attaches the network collaborators. The engine runs
// offline (using the stored height) until this is called.
func (s *Synchronizer) StartNetwork(network Network, verifier Verifier, syncer AddressAdder) {
	s.network = network
	s.verifier = verifier
	s.syncer = syncer
}

// Stop flushes state to storage. When writeToDisk is false only the
// stored height is updated.
func (s *Synchronizer) Stop(writeToDisk bool) error {
	if s.network != nil {
		if err := s.store.Put(keyStoredHeight, s.LocalHeight()); err != nil {
			return err
		}
	}
	if !writeToDisk {
		return nil
	}
	if err := s.SaveTransactions(false); err != nil {
		return err
	}
	if err := s.SaveVerifiedTx(false); err != nil {
		return err
	}
	return s.store.Write()
}

// =============================================================================
// Addresses and ownership
// =============================================================================

// AddAddress starts tracking an address.
func (s *Synchronizer) AddAddress(address string) {
	s.mu.Lock()
	_, known := s.history[address]
	if !known {
		s.history[address] = nil
		s.upToDate = false
	}
	s.mu.Unlock()

	if s.syncer != nil {
		s.syncer.Add(address)
	}
}

// IsMine reports whether the wallet owns an address.
func (s *Synchronizer) IsMine(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isMineLocked(address)
}

// isMineLocked requires mu.
func (s *Synchronizer) isMineLocked(address string) bool {
	if address == "" {
		return false
	}
	if s.isMineFn != nil {
		return s.isMineFn(address)
	}
	_, ok := s.history[address]
	return ok
}

// Addresses returns all tracked addresses, sorted.
func (s *Synchronizer) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addressesLocked()
}

// addressesLocked requires mu.
func (s *Synchronizer) addressesLocked() []string {
	addrs := make([]string, 0, len(s.history))
	for a := range s.history {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}

// GetAddressHistory returns the locally known (txid, height) pairs for
// an address. Heights come from the current verification state, not
// the server report.
func (s *Synchronizer) GetAddressHistory(address string) []HistoryEntry {
	localHeight := s.LocalHeight()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.addressHistoryLocked(address, localHeight)
}

// addressHistoryLocked requires mu and txMu.
func (s *Synchronizer) addressHistoryLocked(address string, localHeight int32) []HistoryEntry {
	related := s.historyLocal[address]
	h := make([]HistoryEntry, 0, len(related))
	for txid := range related {
		h = append(h, HistoryEntry{Txid: txid, Height: s.txHeightLocked(txid, localHeight).Height})
	}
	sort.Slice(h, func(i, j int) bool { return h[i].Txid < h[j].Txid })
	return h
}

// GetAddressHistoryLen returns the number of transactions involving an
// address.
func (s *Synchronizer) GetAddressHistoryLen(address string) int {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return len(s.historyLocal[address])
}

// GetTransaction returns the cached transaction body, or nil.
func (s *Synchronizer) GetTransaction(txid string) *tx.Transaction {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.transactions[txid]
}

// HasTransaction reports whether the transaction body is cached.
func (s *Synchronizer) HasTransaction(txid string) bool {
	return s.GetTransaction(txid) != nil
}

// IsUsed reports whether the server has ever reported history for the
// address.
func (s *Synchronizer) IsUsed(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[address]) != 0
}

// IsEmpty reports whether the address balance is zero.
func (s *Synchronizer) IsEmpty(address string) bool {
	c, u, x := s.GetAddrBalance(address)
	return c+u+x == 0
}

// =============================================================================
// Height and status
// =============================================================================

// LocalHeight returns the network tip height, falling back to the last
// stored height when offline.
func (s *Synchronizer) LocalHeight() int32 {
	if s.network != nil {
		return s.network.LocalHeight()
	}
	return s.storedHeight
}

// SetUpToDate sets the synchronized flag and, on every call that sets
// it to true, persists state.
func (s *Synchronizer) SetUpToDate(upToDate bool) {
	s.mu.Lock()
	s.upToDate = upToDate
	s.mu.Unlock()

	if s.network != nil {
		s.network.NotifyStatus()
	}
	if !upToDate {
		return
	}
	if err := s.SaveTransactions(true); err != nil {
		s.log.Warn("failed to save transactions", "error", err)
	}
	if s.verifier == nil || s.verifier.IsUpToDate() {
		if err := s.SaveVerifiedTx(true); err != nil {
			s.log.Warn("failed to save verified transactions", "error", err)
		}
	}
}

// IsUpToDate reports whether the engine considers itself synchronized.
func (s *Synchronizer) IsUpToDate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upToDate
}

// ClearHistory drops all primary and derived state and stages the
// empty transaction snapshot in the store; it does not call Write and
// does not re-stage the verified-tx snapshot.
func (s *Synchronizer) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMu.Lock()

	s.txi = make(map[string]map[string]map[string]int64)
	s.txo = make(map[string]map[string][]TxoEntry)
	s.txFees = make(map[string]int64)
	s.spentOutpoints = make(map[string]map[uint32]string)
	s.history = make(map[string][]HistoryEntry)
	s.verifiedTx = make(map[string]MinedInfo)
	s.unverifiedTx = make(map[string]int32)
	s.transactions = make(map[string]*tx.Transaction)
	s.historyLocal = make(map[string]map[string]struct{})
	s.feeCache = make(map[string]int64)
	s.overlayTx = make(map[string]overlay.TxData)

	err := s.saveTransactionsLocked(false)
	s.txMu.Unlock()
	return err
}
