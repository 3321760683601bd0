package electrum

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/quasar-wallet/quasard/internal/addrsync"
	"github.com/quasar-wallet/quasard/internal/headers"
	"github.com/quasar-wallet/quasard/internal/tx"
	"github.com/quasar-wallet/quasard/pkg/logging"
)

// Syncer polls the Electrum server for address history changes and
// feeds the engine's callbacks. It doubles as the engine's Network
// collaborator (local height, event fan-out) and HeaderReader.
type Syncer struct {
	client *Client
	engine *addrsync.Synchronizer
	params *chaincfg.Params

	interval time.Duration
	log      *logging.Logger

	mu        sync.Mutex
	watched   []string
	statuses  map[string]string // address -> last seen status hash
	tipHeight int32

	// OnVerified and OnStatus fan out engine events to subscribers.
	OnVerified func(txid string, info addrsync.MinedInfo)
	OnStatus   func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SyncerConfig holds configuration for the syncer.
type SyncerConfig struct {
	Client   *Client
	Engine   *addrsync.Synchronizer
	Params   *chaincfg.Params
	Interval time.Duration
	Logger   *logging.Logger

	// StoredHeight seeds the local height until the first poll.
	StoredHeight int32
}

// NewSyncer creates a syncer.
func NewSyncer(cfg *SyncerConfig) *Syncer {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetDefault().Component("syncer")
	}
	return &Syncer{
		client:    cfg.Client,
		engine:    cfg.Engine,
		params:    cfg.Params,
		interval:  interval,
		log:       logger,
		statuses:  make(map[string]string),
		tipHeight: cfg.StoredHeight,
		stopCh:    make(chan struct{}),
	}
}

// Add registers an address for history polling.
func (s *Syncer) Add(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.watched {
		if a == address {
			return
		}
	}
	s.watched = append(s.watched, address)
}

// LocalHeight returns the last known chain tip.
func (s *Syncer) LocalHeight() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipHeight
}

// NotifyVerified fans out a verification event.
func (s *Syncer) NotifyVerified(txid string, info addrsync.MinedInfo) {
	if s.OnVerified != nil {
		s.OnVerified(txid, info)
	}
}

// NotifyStatus fans out an up-to-date transition.
func (s *Syncer) NotifyStatus() {
	if s.OnStatus != nil {
		s.OnStatus()
	}
}

// ReadHeader fetches a header for reorg checks; nil when unavailable.
func (s *Syncer) ReadHeader(height int32) *headers.Header {
	header, err := s.client.BlockHeader(height)
	if err != nil {
		s.log.Warn("failed to read header", "height", height, "error", err)
		return nil
	}
	return header
}

// Start launches the background poll loop.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		ctx := context.Background()
		if err := s.SyncOnce(ctx); err != nil {
			s.log.Warn("initial sync failed", "error", err)
		}

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.SyncOnce(ctx); err != nil {
					s.log.Warn("sync failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the poll loop and waits for it.
func (s *Syncer) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// SyncOnce performs a single poll round: refresh the tip, then fetch
// the history of every watched address whose status hash changed and
// hand it to the engine.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}

	tip, err := s.client.TipHeight()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tipHeight = tip
	watched := make([]string, len(s.watched))
	copy(watched, s.watched)
	s.mu.Unlock()

	for _, address := range watched {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.syncAddress(address); err != nil {
			s.log.Warn("address sync failed", "address", address, "error", err)
		}
	}

	s.engine.SetUpToDate(true)
	return nil
}

func (s *Syncer) syncAddress(address string) error {
	entries, fees, err := s.client.AddressHistory(address)
	if err != nil {
		return err
	}

	status := statusOf(entries)
	s.mu.Lock()
	unchanged := s.statuses[address] == status
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	// fetch any bodies we do not hold yet and announce them first
	for _, e := range entries {
		if s.engine.HasTransaction(e.Txid) {
			s.engine.AddUnverifiedTx(e.Txid, e.Height)
			continue
		}
		rawHex, err := s.client.RawTransaction(e.Txid)
		if err != nil {
			s.log.Warn("failed to fetch tx", "txid", e.Txid, "error", err)
			continue
		}
		t, err := tx.Parse(rawHex, s.params)
		if err != nil {
			s.log.Warn("failed to parse tx", "txid", e.Txid, "error", err)
			continue
		}
		if err := s.engine.ReceiveTxCallback(e.Txid, t, e.Height); err != nil {
			s.log.Warn("failed to ingest tx", "txid", e.Txid, "error", err)
		}
	}

	s.engine.ReceiveHistoryCallback(address, entries, fees)

	s.mu.Lock()
	s.statuses[address] = status
	s.mu.Unlock()

	s.log.Debug("address synced", "address", address, "entries", len(entries))
	return nil
}
