package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gorilla/websocket"

	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/policy"
	"github.com/tos-network/stratum-pool/internal/pool"
	"github.com/tos-network/stratum-pool/internal/stats"
	"github.com/tos-network/stratum-pool/internal/storage"
)

var testParams = &chaincfg.RegressionNetParams

type fakePool struct{}

func (fakePool) Info() *pool.Info {
	return &pool.Info{Name: "Test Pool", Fee: 1, Sessions: 3, Hashrate: 1234}
}

func (fakePool) Ports() []pool.PortInfo {
	return []pool.PortInfo{
		{Port: 3008, Difficulty: 1, Dynamic: true, Title: "Low", Sessions: 2},
		{Port: 3009, Difficulty: 64, Title: "High", Sessions: 1},
	}
}

type fakeSettler struct {
	sum   *ledger.PoolSummary
	err   error
	store *ledger.Store
}

func (f *fakeSettler) Summary() (*ledger.PoolSummary, error) {
	return f.sum, f.err
}

func (f *fakeSettler) ResetUserSummary(addr string) (ledger.UserSummary, error) {
	return f.store.ResetUserSummary(addr)
}

type testServer struct {
	*Server
	stats  *stats.Stats
	store  *ledger.Store
	policy *policy.PolicyServer
	feed   *stats.Feed
}

func testAddress(t *testing.T, seed byte) string {
	t.Helper()
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = seed
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, testParams)
	if err != nil {
		t.Fatalf("NewAddressWitnessPubKeyHash() error = %v", err)
	}
	return addr.EncodeAddress()
}

func testConfig() *config.Config {
	return &config.Config{
		Pool: config.PoolConfig{Name: "Test Pool", Explorer: "https://explorer.test"},
		Stats: config.StatsConfig{
			Interval:         time.Minute,
			Average:          2,
			MaxActivityHours: 1,
		},
		Payment: config.PaymentConfig{Threshold: 1, Confirmation: 6},
		API:     config.APIConfig{Bind: "127.0.0.1:0", AdminPassword: "secret"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, redis *storage.RedisClient) *testServer {
	t.Helper()

	kv, err := ledger.OpenBolt(filepath.Join(t.TempDir(), "ledger.db"), time.Second)
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	store, err := ledger.Open(kv, testParams, 16)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	st := stats.New(cfg.Stats, store, 100000000)
	if err := st.Open(); err != nil {
		t.Fatalf("stats Open() error = %v", err)
	}

	ps := policy.NewPolicyServer(nil, nil)
	feed := stats.NewFeed()

	srv := NewServer(Options{
		Config:  cfg,
		Pool:    fakePool{},
		Stats:   st,
		Settler: &fakeSettler{
			sum:   &ledger.PoolSummary{Height: 90, Miner: 4, Amount: 700000000, Txn: 2, Next: 101},
			store: store,
		},
		Policy:  ps,
		Feed:    feed,
		Redis:   redis,
	})
	return &testServer{Server: srv, stats: st, store: store, policy: ps, feed: feed}
}

func (s *testServer) do(t *testing.T, method, path string, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if setup != nil {
		setup(req)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

func newShare(height uint32) *ledger.Share {
	return &ledger.Share{
		Version: ledger.ShareVersion,
		Network: "regtest",
		Height:  height,
		Block:   fmt.Sprintf("%064x", height),
		Ts:      uint32(time.Now().Unix()),
		Time:    uint32(time.Now().Unix()),
		TxID:    fmt.Sprintf("%064x", height+1000),
		Address: "bcrt1qpool",
		Reward:  5000000000,
		Fee:     1,
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	w := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]string
	decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %s, want ok", resp["status"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	redis, err := storage.NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer redis.Close()

	if err := redis.WriteShare(&storage.Share{ID: 1, Username: "alice", Difficulty: 4}, pool.HashrateWindow); err != nil {
		t.Fatalf("WriteShare() error = %v", err)
	}

	s := newTestServer(t, testConfig(), redis)
	if err := s.stats.AddShare(newShare(100)); err != nil {
		t.Fatalf("AddShare() error = %v", err)
	}

	w := s.do(t, http.MethodGet, "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Pool struct {
			Name           string  `json:"name"`
			Sessions       int     `json:"sessions"`
			Hashrate       float64 `json:"hashrate"`
			TotalFound     int     `json:"totalFound"`
			WindowHashrate float64 `json:"windowHashrate"`
			ActiveMiners   int64   `json:"activeMiners"`
		} `json:"pool"`
		Network map[string]interface{} `json:"network"`
	}
	decode(t, w, &resp)

	if resp.Pool.Name != "Test Pool" {
		t.Errorf("Name = %s, want Test Pool", resp.Pool.Name)
	}
	if resp.Pool.Sessions != 3 {
		t.Errorf("Sessions = %d, want 3", resp.Pool.Sessions)
	}
	if resp.Pool.TotalFound != 1 {
		t.Errorf("TotalFound = %d, want 1", resp.Pool.TotalFound)
	}
	if resp.Pool.ActiveMiners != 1 {
		t.Errorf("ActiveMiners = %d, want 1", resp.Pool.ActiveMiners)
	}
	if resp.Pool.WindowHashrate <= 0 {
		t.Errorf("WindowHashrate = %v, want > 0", resp.Pool.WindowHashrate)
	}
	if resp.Network == nil {
		t.Error("network should be present")
	}
}

func TestStatsUpdateEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	w := s.do(t, http.MethodGet, "/api/stats/update", nil)
	var resp struct {
		Next int64 `json:"next"`
	}
	decode(t, w, &resp)
	if resp.Next <= 0 || resp.Next > time.Minute.Milliseconds() {
		t.Errorf("next = %d, want within (0, 60000]", resp.Next)
	}
}

func TestBlocksEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	for _, h := range []uint32{100, 101, 102} {
		if err := s.stats.AddShare(newShare(h)); err != nil {
			t.Fatalf("AddShare(%d) error = %v", h, err)
		}
	}

	w := s.do(t, http.MethodGet, "/api/blocks", nil)
	var summary BlockSummary
	decode(t, w, &summary)
	if summary.Unsettled != 3 || summary.Valid != 0 || summary.TotalFound != 3 {
		t.Errorf("summary = %+v, want 3 unsettled", summary)
	}

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantLen  int
	}{
		{"first page", "/api/blocks/unsettled?limit=2", http.StatusOK, 2},
		{"second page", "/api/blocks/unsettled?limit=2&offset=2", http.StatusOK, 1},
		{"default page", "/api/blocks/unsettled", http.StatusOK, 3},
		{"empty kind", "/api/blocks/valid", http.StatusOK, 0},
		{"unknown kind", "/api/blocks/orphan", http.StatusNotFound, 0},
		{"bad limit", "/api/blocks/unsettled?limit=abc", http.StatusBadRequest, 0},
		{"negative offset", "/api/blocks/stale?offset=-1", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, tt.path, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("Status code = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			var resp struct {
				Shares   []*ledger.Share `json:"shares"`
				Size     int             `json:"size"`
				Explorer string          `json:"explorer"`
			}
			decode(t, w, &resp)
			if len(resp.Shares) != tt.wantLen {
				t.Errorf("len(shares) = %d, want %d", len(resp.Shares), tt.wantLen)
			}
			if resp.Explorer != "https://explorer.test" {
				t.Errorf("explorer = %s", resp.Explorer)
			}
		})
	}

	w = s.do(t, http.MethodGet, "/api/blocks/unsettled?limit=1", nil)
	var newest struct {
		Shares []*ledger.Share `json:"shares"`
		Size   int             `json:"size"`
	}
	decode(t, w, &newest)
	if newest.Size != 3 || newest.Shares[0].Height != 102 {
		t.Errorf("newest = %d of %d, want 102 of 3", newest.Shares[0].Height, newest.Size)
	}
}

func TestActivityEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	if err := s.stats.AddShare(newShare(100)); err != nil {
		t.Fatalf("AddShare() error = %v", err)
	}

	w := s.do(t, http.MethodGet, "/api/activity", nil)
	var resp stats.Activity
	decode(t, w, &resp)
	if len(resp.Shares) != 1 || resp.Shares[0].Height != 100 {
		t.Errorf("activity = %+v, want share 100", resp.Shares)
	}
}

func TestPaymentsEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	w := s.do(t, http.MethodGet, "/api/payments", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}
	var sum struct {
		Amount       uint64  `json:"amount"`
		Txn          uint64  `json:"txn"`
		Next         uint64  `json:"next"`
		Threshold    float64 `json:"threshold"`
		Confirmation uint32  `json:"confirmation"`
	}
	decode(t, w, &sum)
	if sum.Amount != 700000000 || sum.Txn != 2 || sum.Next != 101 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Threshold != 1 || sum.Confirmation != 6 {
		t.Errorf("threshold = %v confirmation = %d, want 1 and 6", sum.Threshold, sum.Confirmation)
	}

	w = s.do(t, http.MethodGet, "/api/payments/list?limit=5", nil)
	var list struct {
		Payouts []*ledger.Payout `json:"payouts"`
		Size    int              `json:"size"`
	}
	decode(t, w, &list)
	if list.Size != 0 || list.Payouts == nil {
		t.Errorf("list = %+v, want an empty page", list)
	}
}

func TestPaymentSummaryError(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	s.settler = &fakeSettler{err: fmt.Errorf("ledger closed")}

	w := s.do(t, http.MethodGet, "/api/payments", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestUserEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	addr := testAddress(t, 7)
	s.stats.AddUserShare(addr, 12.5)

	w := s.do(t, http.MethodGet, "/api/users/"+addr, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}
	var user struct {
		Address   string  `json:"address"`
		Share     uint64  `json:"share"`
		Current   float64 `json:"current"`
		Threshold uint64  `json:"threshold"`
	}
	decode(t, w, &user)
	if user.Address != addr || user.Current != 12.5 || user.Share != 12 {
		t.Errorf("user = %+v", user)
	}
	if user.Threshold != 100000000 {
		t.Errorf("threshold = %d, want 100000000", user.Threshold)
	}

	w = s.do(t, http.MethodGet, "/api/users/"+addr+"/payouts?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("payouts status code = %d, want %d", w.Code, http.StatusOK)
	}

	for _, path := range []string{"/api/users/notanaddress", "/api/users/notanaddress/payouts"} {
		if w := s.do(t, http.MethodGet, path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s status code = %d, want %d", path, w.Code, http.StatusBadRequest)
		}
	}
}

func TestPortsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	w := s.do(t, http.MethodGet, "/api/ports", nil)
	var ports []pool.PortInfo
	decode(t, w, &ports)
	if len(ports) != 2 || ports[1].Port != 3009 || ports[1].Difficulty != 64 {
		t.Errorf("ports = %+v", ports)
	}
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name     string
		password string
		setup    func(*http.Request)
		wantCode int
	}{
		{"no credentials", "secret", nil, http.StatusUnauthorized},
		{"bearer token", "secret", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, http.StatusUnauthorized},
		{"wrong password", "secret", func(r *http.Request) { r.SetBasicAuth("admin", "guess") }, http.StatusForbidden},
		{"valid", "secret", func(r *http.Request) { r.SetBasicAuth("admin", "secret") }, http.StatusOK},
		{"any user name", "secret", func(r *http.Request) { r.SetBasicAuth("ops", "secret") }, http.StatusOK},
		{"admin disabled", "", func(r *http.Request) { r.SetBasicAuth("admin", "") }, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.API.AdminPassword = tt.password
			s := newTestServer(t, cfg, nil)

			w := s.do(t, http.MethodGet, "/api/admin/bans", tt.setup)
			if w.Code != tt.wantCode {
				t.Errorf("Status code = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestAdminBans(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	s.policy.Ban("10.0.0.1")
	s.policy.Ban("10.0.0.2")
	auth := func(r *http.Request) { r.SetBasicAuth("admin", "secret") }

	w := s.do(t, http.MethodGet, "/api/admin/bans", auth)
	var resp struct {
		Bans []storage.Ban `json:"bans"`
	}
	decode(t, w, &resp)
	if len(resp.Bans) != 2 || resp.Bans[0].Host != "10.0.0.1" {
		t.Fatalf("bans = %+v", resp.Bans)
	}

	w = s.do(t, http.MethodDelete, "/api/admin/bans/10.0.0.1", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}
	if s.policy.IsBanned("10.0.0.1") {
		t.Error("host still banned after DELETE")
	}
	if !s.policy.IsBanned("10.0.0.2") {
		t.Error("other host should stay banned")
	}
}

func TestAdminResetSummary(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	auth := func(r *http.Request) { r.SetBasicAuth("admin", "secret") }
	addr := testAddress(t, 9)

	w := s.do(t, http.MethodPost, "/api/admin/users/"+addr+"/reset-summary", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp struct {
		Address string             `json:"address"`
		Summary ledger.UserSummary `json:"summary"`
	}
	decode(t, w, &resp)
	if resp.Address != addr || resp.Summary != (ledger.UserSummary{}) {
		t.Errorf("reset = %+v, want an empty summary for %s", resp, addr)
	}

	w = s.do(t, http.MethodPost, "/api/admin/users/bogus/reset-summary", auth)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus address status code = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = s.do(t, http.MethodGet, "/api/admin/users/"+addr+"/reset-summary", auth)
	if w.Code == http.StatusOK {
		t.Error("GET should not reset a summary")
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"any origin", nil, "https://a.test", "*"},
		{"wildcard", []string{"*"}, "https://a.test", "*"},
		{"listed", []string{"https://a.test", "https://b.test"}, "https://b.test", "https://b.test"},
		{"not listed", []string{"https://a.test"}, "https://evil.test", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.API.CORSOrigins = tt.origins
			s := newTestServer(t, cfg, nil)

			w := s.do(t, http.MethodOptions, "/api/stats", func(r *http.Request) {
				r.Header.Set("Origin", tt.origin)
			})
			if w.Code != http.StatusNoContent {
				t.Errorf("OPTIONS status code = %d, want %d", w.Code, http.StatusNoContent)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFeedWebsocket(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.feed.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.feed.Publish(stats.EventBlock, newShare(100))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type string       `json:"type"`
		Data ledger.Share `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Type != stats.EventBlock || ev.Data.Height != 100 {
		t.Errorf("event = %s at %d, want block at 100", ev.Type, ev.Data.Height)
	}

	conn.Close()
	deadline = time.Now().Add(5 * time.Second)
	for s.feed.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed subscription not released after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFeedRejectsBannedHost(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	s.policy.Ban("192.0.2.1")

	w := s.do(t, http.MethodGet, "/ws", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
}
