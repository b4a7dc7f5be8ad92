package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/floatdrop/lru"

	"github.com/tos-network/stratum-pool/internal/util"
)

// Store is the typed ledger. It owns the in-memory user index and a
// read-through cache of per-user summaries, both kept coherent by routing
// every write through it.
type Store struct {
	kv     KV
	params *chaincfg.Params

	usersMu sync.RWMutex
	users   map[string]*User

	summaryMu sync.Mutex
	summaries *lru.LRU[Userhash, UserSummary]
}

// Open wraps kv and loads every user record into memory.
func Open(kv KV, params *chaincfg.Params, summaryCacheSize int) (*Store, error) {
	if summaryCacheSize <= 0 {
		summaryCacheSize = 1024
	}

	s := &Store{
		kv:        kv,
		params:    params,
		users:     make(map[string]*User),
		summaries: lru.New[Userhash, UserSummary](summaryCacheSize),
	}

	if err := s.loadUsers(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.kv.Close()
}

// Params returns the network the store derives userhashes for.
func (s *Store) Params() *chaincfg.Params {
	return s.params
}

// ScanOptions bounds a range scan. Offset skips entries one by one, so its
// cost grows linearly.
type ScanOptions struct {
	Reverse bool
	Limit   int
	Offset  int
}

// Scan visits the pairs of r selected by opts.
func (s *Store) Scan(r Range, opts ScanOptions, fn func(k, v []byte) error) error {
	skipped, taken := 0, 0
	return s.kv.Iterate(r, opts.Reverse, func(k, v []byte) (bool, error) {
		if skipped < opts.Offset {
			skipped++
			return true, nil
		}
		if opts.Limit > 0 && taken >= opts.Limit {
			return false, nil
		}
		taken++
		if err := fn(k, v); err != nil {
			return false, err
		}
		return opts.Limit <= 0 || taken < opts.Limit, nil
	})
}

func (s *Store) Count(r Range) (int, error) {
	return s.kv.Count(r)
}

// Update stages a multi-key transition; nothing is visible until Commit.
type Update struct {
	batch     *Batch
	summaries map[Userhash]UserSummary
}

func (s *Store) NewUpdate() *Update {
	return &Update{batch: NewBatch(), summaries: make(map[Userhash]UserSummary)}
}

func (u *Update) Len() int {
	return u.batch.Len()
}

// Commit writes u atomically, then refreshes cached summaries.
func (s *Store) Commit(u *Update) error {
	if err := s.kv.Write(u.batch); err != nil {
		return err
	}

	s.summaryMu.Lock()
	for uh, sum := range u.summaries {
		s.summaries.Set(uh, sum)
	}
	s.summaryMu.Unlock()

	return nil
}

// Users

func (s *Store) loadUsers() error {
	return s.kv.Iterate(UsersRange(), false, func(_, v []byte) (bool, error) {
		u, err := DecodeUser(v)
		if err != nil {
			return false, err
		}
		s.users[u.Username] = u
		return true, nil
	})
}

func (s *Store) GetUser(username string) (*User, bool) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

func (s *Store) HasUser(username string) bool {
	_, ok := s.GetUser(username)
	return ok
}

func (s *Store) UserCount() int {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return len(s.users)
}

func (s *Store) AddUser(u *User) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	if _, ok := s.users[u.Username]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	}
	if err := s.kv.Put(UserKey(u.Username), EncodeUser(u)); err != nil {
		return err
	}

	s.users[u.Username] = u
	util.Debugf("Added new user (%s).", u.Username)
	return nil
}

func (s *Store) RemoveUser(username string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	if _, ok := s.users[username]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err := s.kv.Delete(UserKey(username)); err != nil {
		return err
	}

	delete(s.users, username)
	util.Debugf("Removed user (%s).", username)
	return nil
}

// Backup

func (s *Store) GetBackup() (*Backup, error) {
	raw, err := s.kv.Get(BackupKey())
	if err != nil {
		return nil, err
	}
	return DecodeBackup(raw)
}

func (s *Store) SaveBackup(b *Backup) error {
	raw, err := EncodeBackup(b)
	if err != nil {
		return err
	}
	return s.kv.Put(BackupKey(), raw)
}

func (s *Store) DeleteBackup() error {
	return s.kv.Delete(BackupKey())
}

// Shares

// CommitShare records a found block as unsettled and drops the contribution
// backup in the same write.
func (s *Store) CommitShare(sh *Share) error {
	raw, err := EncodeShare(sh)
	if err != nil {
		return err
	}
	b := NewBatch()
	b.Put(UnsettledKey(sh.Height), raw)
	b.Delete(BackupKey())

	util.Infof("Committing payouts to database for block %d.", sh.Height)
	return s.kv.Write(b)
}

// SaveShare records a found block as unsettled.
func (s *Store) SaveShare(sh *Share) error {
	raw, err := EncodeShare(sh)
	if err != nil {
		return err
	}
	util.Infof("Committing payouts to database for block %d.", sh.Height)
	return s.kv.Put(UnsettledKey(sh.Height), raw)
}

// GetShare returns the unsettled share at height.
func (s *Store) GetShare(height uint32) (*Share, error) {
	raw, err := s.kv.Get(UnsettledKey(height))
	if err != nil {
		return nil, err
	}
	return DecodeShare(raw)
}

// UnsettledShares returns unsettled shares with min <= height <= max in
// ascending height order.
func (s *Store) UnsettledShares(min, max uint32) ([]*Share, error) {
	if max < min {
		return nil, nil
	}
	var shares []*Share
	err := s.Scan(HeightsBetween(TagUnsettled, min, max), ScanOptions{}, func(_, v []byte) error {
		sh, err := DecodeShare(v)
		if err != nil {
			return err
		}
		shares = append(shares, sh)
		return nil
	})
	return shares, err
}

// SharesByKind lists o, O or S records newest first.
func (s *Store) SharesByKind(tag byte, limit, offset int) ([]*Share, error) {
	switch tag {
	case TagUnsettled, TagValid, TagStale:
	default:
		return nil, fmt.Errorf("%w: tag %q is not a share kind", ErrInvalidKey, tag)
	}

	var shares []*Share
	err := s.Scan(HeightRange(tag), ScanOptions{Reverse: true, Limit: limit, Offset: offset}, func(k, v []byte) error {
		sh, err := DecodeShare(v)
		if err != nil {
			return err
		}
		if tag == TagStale {
			key, err := DecodeKey(k)
			if err != nil {
				return err
			}
			sh.Merged = key.Merged
		}
		shares = append(shares, sh)
		return nil
	})
	return shares, err
}

// ShareCount counts valid shares, plus unsettled ones when asked.
func (s *Store) ShareCount(includeUnsettled bool) (int, error) {
	n, err := s.kv.Count(HeightRange(TagValid))
	if err != nil || !includeUnsettled {
		return n, err
	}
	m, err := s.kv.Count(HeightRange(TagUnsettled))
	return n + m, err
}

// KindCount counts the records of one share kind.
func (s *Store) KindCount(tag byte) (int, error) {
	return s.kv.Count(HeightRange(tag))
}

// FirstUnsettled returns the lowest unsettled share, or ErrNotFound.
func (s *Store) FirstUnsettled() (*Share, error) {
	var first *Share
	err := s.Scan(HeightRange(TagUnsettled), ScanOptions{Limit: 1}, func(_, v []byte) error {
		sh, err := DecodeShare(v)
		first = sh
		return err
	})
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, ErrNotFound
	}
	return first, nil
}

// SharesSince returns valid (and optionally unsettled) shares recorded at
// or after until, newest first within each kind.
func (s *Store) SharesSince(until uint32, includeUnsettled bool) ([]*Share, error) {
	tags := []byte{TagValid}
	if includeUnsettled {
		tags = append(tags, TagUnsettled)
	}

	var shares []*Share
	for _, tag := range tags {
		err := s.Scan(HeightRange(tag), ScanOptions{Reverse: true}, func(_, v []byte) error {
			sh, err := DecodeShare(v)
			if err != nil {
				return err
			}
			if sh.Time < until {
				return errStop
			}
			shares = append(shares, sh)
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			return nil, err
		}
	}
	return shares, nil
}

var errStop = errors.New("stop")

// SettledBlock is one unsettled share's classification in a settlement run.
type SettledBlock struct {
	Height uint32
	Stale  bool
}

// UpdateShares stages the move of each unsettled share to O, or to S keyed
// by the valid height its contributions were merged into. Blocks must be
// in ascending order and end with the valid block.
func (s *Store) UpdateShares(u *Update, blocks []SettledBlock) error {
	var validHeight uint32
	for i := len(blocks) - 1; i >= 0; i-- {
		if !blocks[i].Stale {
			validHeight = blocks[i].Height
			break
		}
	}

	for _, b := range blocks {
		raw, err := s.kv.Get(UnsettledKey(b.Height))
		if err != nil {
			return fmt.Errorf("load share %d: %w", b.Height, err)
		}

		key := ValidKey(b.Height)
		if b.Stale {
			key = StaleKey(b.Height, validHeight)
		}

		u.batch.Put(key, raw)
		u.batch.Delete(UnsettledKey(b.Height))
	}
	return nil
}

// Stats snapshots

func (s *Store) SaveSnapshot(sn *Snapshot) error {
	return s.kv.Put(StatsKey(sn.Time), EncodeSnapshot(sn))
}

func (s *Store) GetSnapshot(time uint32) (*Snapshot, error) {
	raw, err := s.kv.Get(StatsKey(time))
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(time, raw)
}

// Snapshots returns up to limit stats snapshots, newest first.
func (s *Store) Snapshots(limit int) ([]*Snapshot, error) {
	var out []*Snapshot
	err := s.Scan(HeightRange(TagStats), ScanOptions{Reverse: true, Limit: limit}, func(k, v []byte) error {
		key, err := DecodeKey(k)
		if err != nil {
			return err
		}
		sn, err := DecodeSnapshot(key.Time, v)
		if err != nil {
			return err
		}
		out = append(out, sn)
		return nil
	})
	return out, err
}

// Payments

// UnpaidBalance aggregates a user's unpaid records.
type UnpaidBalance struct {
	Username string
	Userhash Userhash
	Total    uint64
	Heights  []uint32
}

// Unpaid aggregates every U record per user, in userhash order.
func (s *Store) Unpaid() ([]*UnpaidBalance, error) {
	var (
		out  []*UnpaidBalance
		last *UnpaidBalance
	)

	err := s.Scan(AllUsersRange(TagUnpaid), ScanOptions{}, func(k, v []byte) error {
		key, err := DecodeKey(k)
		if err != nil {
			return err
		}
		p, err := DecodePayment(v)
		if err != nil {
			return err
		}

		if last == nil || last.Userhash != key.Userhash {
			addr, err := key.Userhash.Address(s.params)
			if err != nil {
				return err
			}
			last = &UnpaidBalance{Username: addr, Userhash: key.Userhash}
			out = append(out, last)
		}

		last.Total += p.Amount
		last.Heights = append(last.Heights, key.Height)
		return nil
	})

	return out, err
}

// UnpaidAmount sums addr's unpaid entitlements.
func (s *Store) UnpaidAmount(addr string) (uint64, error) {
	uh, err := UserhashFromAddress(addr, s.params)
	if err != nil {
		return 0, nil
	}

	var amount uint64
	err = s.Scan(UserRange(TagUnpaid, uh), ScanOptions{}, func(_, v []byte) error {
		p, err := DecodePayment(v)
		if err != nil {
			return err
		}
		amount += p.Amount
		return nil
	})
	return amount, err
}

// SetUnpaid stages username's entitlement from a valid share and bumps the
// user's pending summary.
func (s *Store) SetUnpaid(u *Update, username string, value uint64, sh *Share, now uint32) (*Payment, error) {
	uh, err := UserhashFromAddress(username, s.params)
	if err != nil {
		return nil, fmt.Errorf("unpaid %s: %w", username, err)
	}

	p := NewPayment(username, value, sh, now)
	raw, err := EncodePayment(p)
	if err != nil {
		return nil, err
	}

	sum, err := s.summaryFor(u, uh)
	if err != nil {
		return nil, err
	}
	sum.AddUnpaid(p.Amount, p.Value)
	s.stageSummary(u, uh, sum)

	u.batch.Put(UnpaidKey(uh, sh.Height), raw)
	return p, nil
}

// AddPaid stages a payout: every listed U record moves to P with the
// payout's transaction hash, each user's summary is charged once, and the
// batch record itself is written.
func (s *Store) AddPaid(u *Update, payout *Payout) error {
	id, err := hashFromHex(payout.Hash)
	if err != nil {
		return fmt.Errorf("payout hash: %w", err)
	}

	for _, user := range payout.Users {
		uh, err := UserhashFromAddress(user.Username, s.params)
		if err != nil {
			return fmt.Errorf("payout %s: %w", user.Username, err)
		}

		for _, height := range user.Heights {
			raw, err := s.kv.Get(UnpaidKey(uh, height))
			if errors.Is(err, ErrNotFound) {
				util.Warnf("Cannot load unpaid data for user %s at %d block height.", user.Username, height)
				continue
			}
			if err != nil {
				return err
			}

			paid, err := MarkPaid(raw, id, payout.Time)
			if err != nil {
				return err
			}
			u.batch.Delete(UnpaidKey(uh, height))
			u.batch.Put(PaidKey(uh, height), paid)
		}

		sum, err := s.summaryFor(u, uh)
		if err != nil {
			return err
		}
		sum.AddPaid(user.Total)
		s.stageSummary(u, uh, sum)
	}

	key := PayoutKey(payout.Time, id)
	u.batch.Put(key, EncodePayout(payout))
	return nil
}

func (s *Store) stageSummary(u *Update, uh Userhash, sum UserSummary) {
	u.summaries[uh] = sum
	u.batch.Put(UserSummaryKey(uh), EncodeUserSummary(&sum))
}

// summaryFor reads uh's summary as u would leave it.
func (s *Store) summaryFor(u *Update, uh Userhash) (UserSummary, error) {
	if u != nil {
		if sum, ok := u.summaries[uh]; ok {
			return sum, nil
		}
	}
	return s.userSummary(uh)
}

func (s *Store) userSummary(uh Userhash) (UserSummary, error) {
	s.summaryMu.Lock()
	cached := s.summaries.Get(uh)
	s.summaryMu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	raw, err := s.kv.Get(UserSummaryKey(uh))
	if errors.Is(err, ErrNotFound) {
		return UserSummary{}, nil
	}
	if err != nil {
		return UserSummary{}, err
	}

	sum, err := DecodeUserSummary(raw)
	if err != nil {
		return UserSummary{}, err
	}

	s.summaryMu.Lock()
	s.summaries.Set(uh, *sum)
	s.summaryMu.Unlock()

	return *sum, nil
}

// UserSummary returns addr's cached totals; unknown addresses have a zero
// summary.
func (s *Store) UserSummary(addr string) (UserSummary, error) {
	uh, err := UserhashFromAddress(addr, s.params)
	if err != nil {
		return UserSummary{}, nil
	}
	return s.userSummary(uh)
}

// ResetUserSummary recomputes addr's summary from its P and U records.
func (s *Store) ResetUserSummary(addr string) (UserSummary, error) {
	uh, err := UserhashFromAddress(addr, s.params)
	if err != nil {
		return UserSummary{}, err
	}

	var sum UserSummary
	txns := make(map[string]struct{})

	err = s.Scan(UserRange(TagPaid, uh), ScanOptions{}, func(_, v []byte) error {
		p, err := DecodePayment(v)
		if err != nil {
			return err
		}
		txns[p.PaymentID] = struct{}{}
		sum.Amount += p.Amount
		sum.Share += p.Value
		return nil
	})
	if err != nil {
		return sum, err
	}

	err = s.Scan(UserRange(TagUnpaid, uh), ScanOptions{}, func(_, v []byte) error {
		p, err := DecodePayment(v)
		if err != nil {
			return err
		}
		sum.Pending += p.Amount
		sum.Share += p.Value
		return nil
	})
	if err != nil {
		return sum, err
	}

	sum.Txn = uint32(len(txns))

	u := s.NewUpdate()
	s.stageSummary(u, uh, sum)
	return sum, s.Commit(u)
}

// PaidByAddress lists addr's paid records, newest block first.
func (s *Store) PaidByAddress(addr string, limit, offset int) ([]*Payment, error) {
	uh, err := UserhashFromAddress(addr, s.params)
	if err != nil {
		return nil, nil
	}

	var out []*Payment
	err = s.Scan(UserRange(TagPaid, uh), ScanOptions{Reverse: true, Limit: limit, Offset: offset}, func(_, v []byte) error {
		p, err := DecodePayment(v)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *Store) PaidCount(addr string) (int, error) {
	uh, err := UserhashFromAddress(addr, s.params)
	if err != nil {
		return 0, nil
	}
	return s.kv.Count(UserRange(TagPaid, uh))
}

// Payouts lists payout batches, newest first unless ascending is set.
func (s *Store) Payouts(limit, offset int, ascending bool) ([]*Payout, error) {
	var out []*Payout
	err := s.Scan(PayoutRange(), ScanOptions{Reverse: !ascending, Limit: limit, Offset: offset}, func(k, v []byte) error {
		p, err := DecodePayout(k, v)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *Store) PayoutCount() (int, error) {
	return s.kv.Count(PayoutRange())
}

// PoolSummary returns the global payment summary, zero if never written.
func (s *Store) PoolSummary() (*PoolSummary, error) {
	raw, err := s.kv.Get(SummaryKey())
	if errors.Is(err, ErrNotFound) {
		return &PoolSummary{Version: SummaryVersion}, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodePoolSummary(raw)
}

func (s *Store) SetPoolSummary(sum *PoolSummary) error {
	return s.kv.Put(SummaryKey(), EncodePoolSummary(sum))
}
