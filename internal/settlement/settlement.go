// Package settlement reconciles found blocks against the best chain and
// pays out the balances they produce.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/metrics"
	"github.com/tos-network/stratum-pool/internal/newrelic"
	"github.com/tos-network/stratum-pool/internal/notify"
	"github.com/tos-network/stratum-pool/internal/stats"
	"github.com/tos-network/stratum-pool/internal/storage"
	"github.com/tos-network/stratum-pool/internal/util"
)

// Settlement stages as labelled in metrics
const (
	StageShare   = "share"
	StagePayment = "payment"
)

const triggerBuffer = 16

// ErrLocked is returned when another process holds the payout lock
var ErrLocked = errors.New("settlement: payouts locked by another process")

type Options struct {
	Config   config.PaymentConfig
	Node     chain.Node
	Wallet   chain.Wallet
	Bus      *chain.Bus
	Store    *ledger.Store
	Stats    *stats.Stats
	Redis    *storage.RedisClient
	Notifier *notify.Notifier
	Agent    *newrelic.Agent
	Feed     *stats.Feed
}

// Settler classifies unsettled share records once they are buried deep
// enough and sends payout transactions for balances above the threshold.
type Settler struct {
	cfg      config.PaymentConfig
	node     chain.Node
	wallet   chain.Wallet
	bus      *chain.Bus
	store    *ledger.Store
	stats    *stats.Stats
	redis    *storage.RedisClient
	notifier *notify.Notifier
	agent    *newrelic.Agent
	feed     *stats.Feed

	threshold uint64
	feeRate   btcutil.Amount

	// mu serializes handleShare and handlePayment
	mu      sync.Mutex
	trigger chan *chain.Entry

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Settler, error) {
	threshold, err := Threshold(opts.Config)
	if err != nil {
		return nil, err
	}
	feeRate, err := btcutil.NewAmount(opts.Config.FeeRate)
	if err != nil {
		return nil, fmt.Errorf("payment.fee_rate: %w", err)
	}
	if opts.Config.MaxAddress < 1 {
		opts.Config.MaxAddress = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Settler{
		cfg:       opts.Config,
		node:      opts.Node,
		wallet:    opts.Wallet,
		bus:       opts.Bus,
		store:     opts.Store,
		stats:     opts.Stats,
		redis:     opts.Redis,
		notifier:  opts.Notifier,
		agent:     opts.Agent,
		feed:      opts.Feed,
		threshold: threshold,
		feeRate:   feeRate,
		trigger:   make(chan *chain.Entry, triggerBuffer),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Threshold converts the configured payout threshold to base units
func Threshold(cfg config.PaymentConfig) (uint64, error) {
	amount, err := btcutil.NewAmount(cfg.Threshold)
	if err != nil {
		return 0, fmt.Errorf("payment.threshold: %w", err)
	}
	if amount < 0 {
		return 0, fmt.Errorf("payment.threshold: negative amount %v", amount)
	}
	return uint64(amount), nil
}

// Start subscribes to connect events and runs the settlement loop
func (s *Settler) Start() {
	s.bus.Subscribe(s.handleEvent)

	s.wg.Add(1)
	go s.loop()

	util.Infof("Settlement started (confirmation: %d, threshold: %s, payments: %v)",
		s.cfg.Confirmation, btcutil.Amount(s.threshold), s.cfg.Enabled)
}

func (s *Settler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// handleEvent queues a settlement run for each connected block. A full
// queue drops the entry; the next run scans the same range anyway.
func (s *Settler) handleEvent(_ context.Context, ev chain.Event) {
	if ev.Kind != chain.EventConnect || ev.Entry == nil {
		return
	}
	select {
	case s.trigger <- ev.Entry:
	default:
		util.Warnf("Settlement queue full, skipping block %d", ev.Entry.Height)
	}
}

func (s *Settler) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case entry := <-s.trigger:
			s.run(s.ctx, entry)
		}
	}
}

// run settles shares and pays balances for one connected block
func (s *Settler) run(ctx context.Context, entry *chain.Entry) {
	synced, err := s.node.Synced(ctx)
	if err != nil {
		util.Warnf("Settlement skipped: sync state unavailable: %v", err)
		return
	}
	if !synced {
		util.Debugf("Settlement skipped: node is syncing (height %d)", entry.Height)
		return
	}

	if err := s.HandleShare(ctx, entry); err != nil {
		util.Errorf("Share settlement failed at %d: %v", entry.Height, err)
	}
	if !s.cfg.Enabled {
		return
	}
	if err := s.HandlePayment(ctx, entry); err != nil {
		util.Errorf("Payment failed at %d: %v", entry.Height, err)
	}
}

// HandleShare settles every unsettled record at least cfg.Confirmation
// blocks below entry, in ascending height order.
func (s *Settler) HandleShare(ctx context.Context, entry *chain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.agent.Track(ctx, "settlement/handleShare", func(ctx context.Context) error {
		return s.handleShare(ctx, entry)
	})
	metrics.RecordSettlement(StageShare, err)
	return err
}

func (s *Settler) handleShare(ctx context.Context, entry *chain.Entry) error {
	if entry.Height < s.cfg.Confirmation {
		return nil
	}

	shares, err := s.store.UnsettledShares(0, entry.Height-s.cfg.Confirmation)
	if err != nil {
		return fmt.Errorf("load unsettled shares: %w", err)
	}

	m := newMerger()
	for _, sh := range shares {
		m.addShares(sh)

		hash, err := s.node.HashAtHeight(ctx, sh.Height)
		if err != nil {
			return fmt.Errorf("hash at %d: %w", sh.Height, err)
		}

		if hash.String() != sh.Block {
			m.addBlock(sh, true)
			continue
		}

		m.addBlock(sh, false)
		if err := s.settle(m, sh); err != nil {
			return err
		}
		m.reset()
	}
	return nil
}

// settle writes valid's unpaid records from the merged contributions and
// moves every merged record out of the unsettled space in one batch
func (s *Settler) settle(m *merger, valid *ledger.Share) error {
	now := uint32(s.now().Unix())
	u := s.store.NewUpdate()

	payable := m.payable(valid)
	for user, value := range payable.Shares {
		if value == 0 {
			continue
		}
		if _, err := s.store.SetUnpaid(u, user, value, payable, now); err != nil {
			return err
		}
	}

	if err := s.store.UpdateShares(u, m.blocks); err != nil {
		return err
	}
	if err := s.store.Commit(u); err != nil {
		return fmt.Errorf("commit settlement %d: %w", valid.Height, err)
	}

	for _, sh := range m.stale {
		sh.Merged = valid.Height
		s.stats.Blocks.Update(sh, stats.KindUnsettled, stats.KindStale)
		s.notifier.NotifyStaleBlock(sh, valid.Height)
		util.Warnf("Block %d (%s) is stale, contributions merged into %d", sh.Height, sh.Block, valid.Height)
	}
	s.stats.Blocks.Update(valid, stats.KindUnsettled, stats.KindValid)

	util.Infof("Settled block %d: %d users, %d stale merged", valid.Height, len(payable.Shares), len(m.stale))
	return nil
}

// merger carries the contributions of stale blocks forward into the next
// valid one
type merger struct {
	shares map[string]uint64
	blocks []ledger.SettledBlock
	stale  []*ledger.Share
}

func newMerger() *merger {
	m := &merger{}
	m.reset()
	return m
}

func (m *merger) addShares(sh *ledger.Share) {
	for user, v := range sh.Shares {
		m.shares[user] += v
	}
}

func (m *merger) addBlock(sh *ledger.Share, stale bool) {
	m.blocks = append(m.blocks, ledger.SettledBlock{Height: sh.Height, Stale: stale})
	if stale {
		m.stale = append(m.stale, sh)
	}
}

// payable is valid with its contribution map replaced by the merged one
func (m *merger) payable(valid *ledger.Share) *ledger.Share {
	out := *valid
	out.Shares = make(map[string]uint64, len(m.shares))
	out.Total = 0
	for user, v := range m.shares {
		out.Shares[user] = v
		out.Total += v
	}
	out.Size = uint32(len(out.Shares))
	return &out
}

func (m *merger) reset() {
	m.shares = make(map[string]uint64)
	m.blocks = nil
	m.stale = nil
}

// HandlePayment pays every user whose unpaid balance exceeds the threshold,
// at most cfg.MaxAddress outputs per transaction
func (s *Settler) HandlePayment(ctx context.Context, entry *chain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.agent.Track(ctx, "settlement/handlePayment", func(ctx context.Context) error {
		return s.handlePayment(ctx, entry)
	})
	metrics.RecordSettlement(StagePayment, err)
	return err
}

func (s *Settler) handlePayment(ctx context.Context, entry *chain.Entry) error {
	if s.wallet == nil {
		return errors.New("settlement: wallet not configured")
	}

	if s.redis != nil {
		lockID := fmt.Sprintf("payout-%d", s.now().UnixNano())
		locked, err := s.redis.LockPayouts(lockID, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire payout lock: %w", err)
		}
		if !locked {
			return ErrLocked
		}
		defer func() {
			if err := s.redis.UnlockPayouts(lockID); err != nil {
				util.Warnf("Failed to release payout lock: %v", err)
			}
		}()
	}

	balances, err := s.store.Unpaid()
	if err != nil {
		return fmt.Errorf("load unpaid: %w", err)
	}

	var due []*ledger.UnpaidBalance
	for _, b := range balances {
		if b.Total > s.threshold {
			due = append(due, b)
		}
	}
	if len(due) == 0 {
		return nil
	}

	util.Infof("Processing payouts for %d users", len(due))

	for i := 0; i < len(due); i += s.cfg.MaxAddress {
		end := i + s.cfg.MaxAddress
		if end > len(due) {
			end = len(due)
		}
		if err := s.payBatch(ctx, entry, due[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// payBatch sends one transaction for batch and records it. Nothing is
// written unless the wallet broadcast succeeded.
func (s *Settler) payBatch(ctx context.Context, entry *chain.Entry, batch []*ledger.UnpaidBalance) error {
	payout := ledger.NewPayout()
	outputs := make([]chain.Output, 0, len(batch))
	for _, b := range batch {
		if b.Total > math.MaxInt64 {
			return fmt.Errorf("balance of %s overflows: %d", b.Username, b.Total)
		}
		outputs = append(outputs, chain.Output{Address: b.Username, Value: btcutil.Amount(b.Total)})
		payout.Add(b.Username, b.Heights, b.Total)
	}

	raw, err := s.wallet.BuildTransaction(ctx, outputs, s.feeRate)
	if err != nil {
		return fmt.Errorf("build payout transaction: %w", err)
	}
	signed, err := s.wallet.Sign(ctx, raw)
	if err != nil {
		return fmt.Errorf("sign payout transaction: %w", err)
	}
	txid, err := s.wallet.Broadcast(ctx, signed)
	if err != nil {
		return fmt.Errorf("broadcast payout transaction: %w", err)
	}

	payout.SetTX(txid, entry.Height, uint32(s.now().Unix()))

	u := s.store.NewUpdate()
	if err := s.store.AddPaid(u, payout); err != nil {
		util.Errorf("CRITICAL: payout %s sent but not staged: %v", txid, err)
		return err
	}
	if err := s.store.Commit(u); err != nil {
		util.Errorf("CRITICAL: payout %s sent but not recorded: %v", txid, err)
		return err
	}

	if err := s.updateSummary(payout); err != nil {
		util.Warnf("Failed to update payment summary: %v", err)
	}

	s.stats.Payments.Add(payout)
	s.feed.Publish(stats.EventPayout, payout)
	s.notifier.NotifyPayout(payout)
	s.agent.RecordPayout(payout.Hash, payout.Total, payout.Miner)
	metrics.RecordPayout(payout.Total)

	util.Infof("Payout %s sent: %s to %d users", txid, btcutil.Amount(payout.Total), payout.Miner)
	return nil
}

func (s *Settler) updateSummary(p *ledger.Payout) error {
	sum, err := s.store.PoolSummary()
	if err != nil {
		return err
	}
	sum.Apply(p)
	if sum.Next, err = s.nextPayable(); err != nil {
		return err
	}
	return s.store.SetPoolSummary(sum)
}

// nextPayable is the height at which the oldest unsettled record settles,
// or 0 when there is none
func (s *Settler) nextPayable() (uint64, error) {
	first, err := s.store.FirstUnsettled()
	if errors.Is(err, ledger.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(first.Height) + uint64(s.cfg.Confirmation), nil
}

// Summary returns the global payment summary
func (s *Settler) Summary() (*ledger.PoolSummary, error) {
	return s.store.PoolSummary()
}

// ResetUserSummary recomputes addr's summary from their records. It holds
// the settlement lock so a running settle or payout cannot commit a summary
// staged before the reset.
func (s *Settler) ResetUserSummary(addr string) (ledger.UserSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ResetUserSummary(addr)
}

// ResetSummary recomputes the global payment summary from every payout
// batch
func (s *Settler) ResetSummary() (*ledger.PoolSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payouts, err := s.store.Payouts(0, 0, true)
	if err != nil {
		return nil, err
	}

	sum := &ledger.PoolSummary{Version: ledger.SummaryVersion}
	for _, p := range payouts {
		sum.Height = p.Height
		sum.Miner += p.Miner
		sum.Amount += p.Total
		sum.Txn++
	}
	if sum.Next, err = s.nextPayable(); err != nil {
		return nil, err
	}
	return sum, s.store.SetPoolSummary(sum)
}
