// Package stats keeps the pool's live contribution map and the in-memory
// views served to operators: snapshots, activity, block and payout lists.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hako/durafmt"

	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/util"
)

// ShareDecimals is the precision contributions are accumulated at.
const ShareDecimals = 6

// Activity is the recent found-block feed.
type Activity struct {
	Shares []*ledger.Share `json:"shares"`
	Max    int             `json:"max"`
}

// UserSummary is a user's payment totals plus their live contribution
// toward the next block.
type UserSummary struct {
	ledger.UserSummary
	Threshold uint64  `json:"threshold"`
	Current   float64 `json:"current"`
}

// UserPayouts is one page of a user's paid records.
type UserPayouts struct {
	Payouts []*ledger.Payment `json:"payouts"`
	Size    int               `json:"size"`
}

// Stats owns the contribution map and every cached view over the ledger.
type Stats struct {
	cfg       config.StatsConfig
	store     *ledger.Store
	threshold uint64

	Blocks   *BlockList
	Payments *PaymentList

	mu         sync.RWMutex
	usermap    map[string]float64
	totalShare float64
	snapshots  []*ledger.Snapshot
	activity   []*ledger.Share
	network    Network

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the stats handler. threshold is the payout threshold in base
// units, reported back with user summaries.
func New(cfg config.StatsConfig, store *ledger.Store, threshold uint64) *Stats {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Average < 1 {
		cfg.Average = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Stats{
		cfg:       cfg,
		store:     store,
		threshold: threshold,
		Blocks:    NewBlockList(store),
		Payments:  NewPaymentList(store),
		usermap:   make(map[string]float64),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Open restores the contribution backup and loads every cache.
func (s *Stats) Open() error {
	if err := s.restoreBackup(); err != nil {
		return err
	}

	snapshots, err := s.store.Snapshots(s.cfg.Average)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}

	activity, err := s.store.SharesSince(s.pastActivity(), true)
	if err != nil {
		return fmt.Errorf("load activity: %w", err)
	}
	sortNewest(activity)

	s.mu.Lock()
	s.snapshots = snapshots
	s.activity = activity
	s.mu.Unlock()

	if err := s.Blocks.Load(); err != nil {
		return err
	}
	return s.Payments.Load()
}

// Start runs the backup and snapshot loops.
func (s *Stats) Start() {
	if s.cfg.BackupInterval > 0 {
		s.wg.Add(1)
		go s.backupLoop()
	}

	s.wg.Add(1)
	go s.snapshotLoop()
}

// Stop ends the loops and writes a final backup.
func (s *Stats) Stop() {
	s.cancel()
	s.wg.Wait()
	if err := s.SaveBackup(); err != nil {
		util.Warnf("Failed to save contribution backup: %v", err)
	}
}

// Contributions

// AddUserShare credits diff to username in the contribution map and the
// current stats interval.
func (s *Stats) AddUserShare(username string, diff float64) {
	diff = util.RoundDifficulty(diff, ShareDecimals)

	s.mu.Lock()
	s.usermap[username] += diff
	s.totalShare += diff
	s.mu.Unlock()
}

// UserShare returns username's contribution toward the next block.
func (s *Stats) UserShare(username string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usermap[username]
}

// Contributors is the number of users in the contribution map.
func (s *Stats) Contributors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.usermap)
}

// TotalShare is the diff1 total accepted in the current stats interval.
func (s *Stats) TotalShare() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalShare
}

// AddShare fills sh with the current contributions, writes it as an
// unsettled record and resets the contribution map. The backup is dropped
// in the same write so its contributions are never restored twice.
func (s *Stats) AddShare(sh *ledger.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh.SetContributions(s.usermap)
	if err := s.store.CommitShare(sh); err != nil {
		return fmt.Errorf("save share %d: %w", sh.Height, err)
	}

	s.activity = append([]*ledger.Share{sh}, s.activity...)
	s.usermap = make(map[string]float64)
	s.cleanActivity()

	s.Blocks.Add(KindUnsettled, sh)
	return nil
}

// Backup

func (s *Stats) restoreBackup() error {
	b, err := s.store.GetBackup()
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load backup: %w", err)
	}

	age := s.now().Sub(time.Unix(int64(b.Time), 0))
	if s.cfg.BackupExpired > 0 && age > s.cfg.BackupExpired {
		util.Infof("Discarding contribution backup from %s ago", durafmt.ParseShort(age))
		return s.store.DeleteBackup()
	}

	util.Infof("Restoring backup for %d contributors", len(b.Shares))
	s.mu.Lock()
	for user, v := range b.Shares {
		s.usermap[user] += float64(v)
	}
	s.mu.Unlock()
	return nil
}

// SaveBackup replaces the backup with the current contribution map. An
// empty map leaves the existing backup alone. Holds s.mu across the write.
func (s *Stats) SaveBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.usermap) == 0 {
		return nil
	}
	return s.store.SaveBackup(ledger.NewBackup(s.usermap, uint32(s.now().Unix())))
}

func (s *Stats) backupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BackupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveBackup(); err != nil {
				util.Warnf("Failed to save contribution backup: %v", err)
			}
		}
	}
}

// Snapshots

// NextUpdate is the time until the next snapshot, aligned to the minute.
func (s *Stats) NextUpdate() time.Duration {
	d := s.cfg.Interval - time.Duration(s.now().Second())*time.Second
	if d <= 0 {
		d = s.cfg.Interval
	}
	return d
}

func (s *Stats) snapshotLoop() {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(s.NextUpdate())
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.SaveSnapshot(); err != nil {
				util.Warnf("Failed to save stats snapshot: %v", err)
			}
		}
	}
}

// SaveSnapshot closes the current stats interval.
func (s *Stats) SaveSnapshot() error {
	now := s.now().Unix()
	sn := &ledger.Snapshot{
		Time:    uint32(math.Round(float64(now)/60) * 60),
		Version: ledger.SnapshotVersion,
		Seconds: uint32(s.cfg.Interval / time.Second),
	}

	s.mu.Lock()
	sn.Shares = uint32(math.Min(math.Floor(s.totalShare), math.MaxUint32))
	s.totalShare = 0
	s.snapshots = append([]*ledger.Snapshot{sn}, s.snapshots...)
	if len(s.snapshots) > s.cfg.Average {
		s.snapshots = s.snapshots[:s.cfg.Average]
	}
	s.mu.Unlock()

	return s.store.SaveSnapshot(sn)
}

// Snapshots returns the cached snapshots, newest first.
func (s *Stats) Snapshots() []*ledger.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ledger.Snapshot(nil), s.snapshots...)
}

// AverageShare is the diff1 share rate per minute over the cached
// snapshots.
func (s *Stats) AverageShare() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var shares, minutes float64
	for _, sn := range s.snapshots {
		shares += float64(sn.Shares)
		minutes += float64(sn.Seconds) / 60
	}
	return shares / math.Max(1.0/60, minutes)
}

// Hashrate is the pool hashrate derived from AverageShare.
func (s *Stats) Hashrate() float64 {
	return math.Floor(util.Hashrate(s.AverageShare()))
}

// Activity

func (s *Stats) pastActivity() uint32 {
	past := s.now().Unix() - int64(s.cfg.MaxActivityHours)*3600
	if past < 0 {
		return 0
	}
	return uint32(past)
}

// cleanActivity drops records older than the activity window. Callers hold
// s.mu.
func (s *Stats) cleanActivity() {
	past := s.pastActivity()
	n := len(s.activity)
	for n > 0 && s.activity[n-1].Time <= past {
		n--
	}
	s.activity = s.activity[:n]
}

func (s *Stats) Activity() *Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Activity{
		Shares: append([]*ledger.Share{}, s.activity...),
		Max:    s.cfg.MaxActivityHours,
	}
}

// Blocks

// BlockTime reports found-block timing over unsettled and valid records.
func (s *Stats) BlockTime() BlockTime {
	return s.Blocks.Time(s.now(), KindUnsettled, KindValid)
}

// ShareSize counts unsettled and valid records.
func (s *Stats) ShareSize() int {
	return s.Blocks.Size(KindUnsettled, KindValid)
}

// Users

// UserSummary returns addr's payment totals with its live contribution
// folded into Share.
func (s *Stats) UserSummary(addr string) (*UserSummary, error) {
	sum, err := s.store.UserSummary(addr)
	if err != nil {
		return nil, err
	}

	current := s.UserShare(addr)
	out := &UserSummary{UserSummary: sum, Threshold: s.threshold, Current: current}
	out.Share += uint64(math.Floor(current))
	return out, nil
}

func (s *Stats) UserPayouts(addr string, limit, offset int) (*UserPayouts, error) {
	payouts, err := s.store.PaidByAddress(addr, limit, offset)
	if err != nil {
		return nil, err
	}
	n, err := s.store.PaidCount(addr)
	if err != nil {
		return nil, err
	}
	if payouts == nil {
		payouts = []*ledger.Payment{}
	}
	return &UserPayouts{Payouts: payouts, Size: n}, nil
}

func sortNewest(shares []*ledger.Share) {
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].Time > shares[j].Time
	})
}
