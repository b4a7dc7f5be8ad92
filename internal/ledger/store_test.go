package ledger

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func TestStoreUsersPersist(t *testing.T) {
	s, path := openTestStore(t)

	if err := s.AddUser(NewUser("alice", "pw")); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	if err := s.AddUser(NewUser("alice", "other")); !errors.Is(err, ErrUserExists) {
		t.Errorf("AddUser(duplicate) error = %v, want ErrUserExists", err)
	}
	if err := s.AddUser(NewUser("bob", "pw")); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	if err := s.RemoveUser("bob"); err != nil {
		t.Fatalf("RemoveUser() error = %v", err)
	}
	if err := s.RemoveUser("bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveUser(missing) error = %v, want ErrNotFound", err)
	}
	s.Close()

	s = reopenTestStore(t, path)
	defer s.Close()

	if s.UserCount() != 1 {
		t.Errorf("UserCount() = %d, want 1", s.UserCount())
	}
	u, ok := s.GetUser("alice")
	if !ok || !u.Verify("pw") {
		t.Error("alice should be loaded with her password")
	}
	if s.HasUser("bob") {
		t.Error("bob should have been removed")
	}
}

func TestStoreScanLimitOffset(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	for h := uint32(1); h <= 10; h++ {
		if err := s.SaveShare(testShare(h, map[string]float64{"alice": float64(h)})); err != nil {
			t.Fatalf("SaveShare(%d) error = %v", h, err)
		}
	}

	tests := []struct {
		name          string
		limit, offset int
		want          []uint32
	}{
		{"first page", 3, 0, []uint32{10, 9, 8}},
		{"second page", 3, 3, []uint32{7, 6, 5}},
		{"tail", 5, 8, []uint32{2, 1}},
		{"past end", 5, 20, nil},
		{"unlimited", 0, 7, []uint32{3, 2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares, err := s.SharesByKind(TagUnsettled, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("SharesByKind() error = %v", err)
			}
			var got []uint32
			for _, sh := range shares {
				got = append(got, sh.Height)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("heights = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("heights = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}

	asc, err := s.UnsettledShares(3, 5)
	if err != nil || len(asc) != 3 || asc[0].Height != 3 || asc[2].Height != 5 {
		t.Errorf("UnsettledShares(3, 5) = %d shares, err %v", len(asc), err)
	}

	first, err := s.FirstUnsettled()
	if err != nil || first.Height != 1 {
		t.Errorf("FirstUnsettled() = %v, %v", first, err)
	}

	if n, _ := s.ShareCount(true); n != 10 {
		t.Errorf("ShareCount(true) = %d, want 10", n)
	}
	if n, _ := s.ShareCount(false); n != 0 {
		t.Errorf("ShareCount(false) = %d, want 0", n)
	}

	if _, err := s.SharesByKind(TagPayout, 1, 0); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("SharesByKind(payout) error = %v", err)
	}
}

func TestStoreUpdateShares(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	for _, h := range []uint32{5, 6, 7} {
		if err := s.SaveShare(testShare(h, map[string]float64{"alice": 1})); err != nil {
			t.Fatal(err)
		}
	}

	u := s.NewUpdate()
	err := s.UpdateShares(u, []SettledBlock{{Height: 5, Stale: true}, {Height: 6, Stale: true}, {Height: 7}})
	if err != nil {
		t.Fatalf("UpdateShares() error = %v", err)
	}
	if n, _ := s.KindCount(TagUnsettled); n != 3 {
		t.Error("UpdateShares must not write before Commit")
	}
	if err := s.Commit(u); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if n, _ := s.KindCount(TagUnsettled); n != 0 {
		t.Errorf("unsettled = %d, want 0", n)
	}

	stale, err := s.SharesByKind(TagStale, 10, 0)
	if err != nil || len(stale) != 2 {
		t.Fatalf("stale = %d, err %v", len(stale), err)
	}
	for _, sh := range stale {
		if sh.Merged != 7 {
			t.Errorf("stale %d merged into %d, want 7", sh.Height, sh.Merged)
		}
	}

	valid, _ := s.SharesByKind(TagValid, 10, 0)
	if len(valid) != 1 || valid[0].Height != 7 {
		t.Errorf("valid = %+v", valid)
	}
}

func TestStoreSharesSince(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	for h := uint32(1); h <= 4; h++ {
		s.SaveShare(testShare(h, nil))
	}

	shares, err := s.SharesSince(1700000100+3, true)
	if err != nil {
		t.Fatalf("SharesSince() error = %v", err)
	}
	if len(shares) != 2 || shares[0].Height != 4 || shares[1].Height != 3 {
		t.Errorf("SharesSince() returned %d shares", len(shares))
	}
}

func TestStoreBackup(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	if _, err := s.GetBackup(); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBackup() on empty store error = %v", err)
	}

	if err := s.SaveBackup(NewBackup(map[string]float64{"alice": 2}, 100)); err != nil {
		t.Fatalf("SaveBackup() error = %v", err)
	}
	b, err := s.GetBackup()
	if err != nil || b.Shares["alice"] != 2 || b.Time != 100 {
		t.Errorf("GetBackup() = %+v, %v", b, err)
	}

	if err := s.DeleteBackup(); err != nil {
		t.Fatalf("DeleteBackup() error = %v", err)
	}
	if _, err := s.GetBackup(); !errors.Is(err, ErrNotFound) {
		t.Error("backup should be gone")
	}
}

func TestStoreCommitShareDropsBackup(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	if err := s.SaveBackup(NewBackup(map[string]float64{"alice": 2}, 100)); err != nil {
		t.Fatalf("SaveBackup() error = %v", err)
	}
	if err := s.CommitShare(testShare(7, map[string]float64{"alice": 2})); err != nil {
		t.Fatalf("CommitShare() error = %v", err)
	}

	if _, err := s.GetShare(7); err != nil {
		t.Errorf("GetShare(7) error = %v", err)
	}
	if _, err := s.GetBackup(); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBackup() error = %v, want ErrNotFound", err)
	}
}

func TestStoreSnapshots(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	for i := uint32(1); i <= 5; i++ {
		s.SaveSnapshot(&Snapshot{Time: i * 60, Shares: i, Seconds: 60})
	}

	got, err := s.Snapshots(3)
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	if len(got) != 3 || got[0].Time != 300 || got[2].Time != 180 {
		t.Errorf("Snapshots(3) = %+v", got)
	}

	one, err := s.GetSnapshot(120)
	if err != nil || one.Shares != 2 {
		t.Errorf("GetSnapshot(120) = %+v, %v", one, err)
	}
}

func TestStorePaymentFlow(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	alice, bob := testAddress(t, 1), testAddress(t, 2)

	for _, h := range []uint32{10, 11} {
		sh := testShare(h, map[string]float64{alice: 30, bob: 70})
		u := s.NewUpdate()
		for _, user := range sh.Usernames() {
			if _, err := s.SetUnpaid(u, user, sh.Shares[user], sh, 1000); err != nil {
				t.Fatalf("SetUnpaid() error = %v", err)
			}
		}
		if err := s.Commit(u); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}

	perBlock := NewPayment(alice, 30, testShare(10, map[string]float64{alice: 30, bob: 70}), 0).Amount

	amount, err := s.UnpaidAmount(alice)
	if err != nil || amount != 2*perBlock {
		t.Errorf("UnpaidAmount(alice) = %d, %v; want %d", amount, err, 2*perBlock)
	}

	sum, _ := s.UserSummary(alice)
	if sum.Pending != 2*perBlock || sum.Share != 60 {
		t.Errorf("alice summary = %+v", sum)
	}

	unpaid, err := s.Unpaid()
	if err != nil {
		t.Fatalf("Unpaid() error = %v", err)
	}
	if len(unpaid) != 2 {
		t.Fatalf("len(Unpaid()) = %d, want 2", len(unpaid))
	}
	for _, b := range unpaid {
		if len(b.Heights) != 2 || b.Heights[0] != 10 || b.Heights[1] != 11 {
			t.Errorf("%s heights = %v", b.Username, b.Heights)
		}
	}

	var aliceBal *UnpaidBalance
	for _, b := range unpaid {
		if b.Username == alice {
			aliceBal = b
		}
	}
	if aliceBal == nil {
		t.Fatal("alice missing from Unpaid()")
	}

	payout := NewPayout()
	payout.Add(alice, aliceBal.Heights, aliceBal.Total)
	txid := strings.Repeat("ab", 32)
	payout.SetTX(txid, 150, 2000)

	u := s.NewUpdate()
	if err := s.AddPaid(u, payout); err != nil {
		t.Fatalf("AddPaid() error = %v", err)
	}
	if err := s.Commit(u); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if amount, _ := s.UnpaidAmount(alice); amount != 0 {
		t.Errorf("alice unpaid after payout = %d, want 0", amount)
	}
	if amount, _ := s.UnpaidAmount(bob); amount == 0 {
		t.Error("bob should still be unpaid")
	}

	paid, err := s.PaidByAddress(alice, 10, 0)
	if err != nil || len(paid) != 2 {
		t.Fatalf("PaidByAddress() = %d, %v", len(paid), err)
	}
	if paid[0].PaymentID != txid || paid[0].Time != 2000 {
		t.Errorf("paid record = %+v", paid[0])
	}
	if n, _ := s.PaidCount(alice); n != 2 {
		t.Errorf("PaidCount() = %d, want 2", n)
	}

	sum, _ = s.UserSummary(alice)
	want := UserSummary{Txn: 1, Amount: 2 * perBlock, Pending: 0, Share: 60}
	if sum != want {
		t.Errorf("alice summary after payout = %+v, want %+v", sum, want)
	}

	reset, err := s.ResetUserSummary(alice)
	if err != nil || reset != want {
		t.Errorf("ResetUserSummary() = %+v, %v; want %+v", reset, err, want)
	}

	payouts, err := s.Payouts(10, 0, false)
	if err != nil || len(payouts) != 1 {
		t.Fatalf("Payouts() = %d, %v", len(payouts), err)
	}
	if payouts[0].Hash != hex.EncodeToString(mustHash(t, txid)) || payouts[0].Miner != 1 || payouts[0].Total != 2*perBlock {
		t.Errorf("payout = %+v", payouts[0])
	}
}

func TestStoreResetSummaryIncludesPending(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	alice := testAddress(t, 3)
	sh := testShare(20, map[string]float64{alice: 50, "x": 50})

	u := s.NewUpdate()
	p, err := s.SetUnpaid(u, alice, 50, sh, 0)
	if err != nil {
		t.Fatal(err)
	}
	s.Commit(u)

	got, err := s.ResetUserSummary(alice)
	if err != nil {
		t.Fatalf("ResetUserSummary() error = %v", err)
	}
	want := UserSummary{Pending: p.Amount, Share: 50}
	if got != want {
		t.Errorf("ResetUserSummary() = %+v, want %+v", got, want)
	}
}

func TestStorePoolSummary(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()

	sum, err := s.PoolSummary()
	if err != nil || sum.Txn != 0 {
		t.Fatalf("PoolSummary() = %+v, %v", sum, err)
	}

	sum.Txn, sum.Amount, sum.Next = 3, 900, 250
	if err := s.SetPoolSummary(sum); err != nil {
		t.Fatal(err)
	}

	got, _ := s.PoolSummary()
	if got.Txn != 3 || got.Amount != 900 || got.Next != 250 {
		t.Errorf("PoolSummary() = %+v", got)
	}
}

func mustHash(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
