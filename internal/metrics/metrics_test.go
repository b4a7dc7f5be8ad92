package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestRecordingDisabledByDefault(t *testing.T) {
	if Enabled() {
		t.Skip("metrics already enabled by another test")
	}
	RecordShare(ShareDuplicate)
	if strings.Contains(scrape(t), `stratum_pool_shares_total{status="duplicate"}`) {
		t.Error("share recorded while metrics disabled")
	}
}

func TestRecordAndScrape(t *testing.T) {
	Enable()

	RecordConnection("3008")
	RecordShare(ShareValid)
	RecordShare(ShareValid)
	RecordBlock("accepted")
	RecordBan()
	RecordSettlement("handleShare", nil)
	RecordSettlement("handlePayment", errors.New("wallet down"))
	RecordPayout(1500)
	RecordHashrate(1e6)
	RecordHeight(42)

	body := scrape(t)
	want := []string{
		`stratum_pool_sessions_active{port="3008"} 1`,
		`stratum_pool_shares_total{status="valid"} 2`,
		`stratum_pool_blocks_total{result="accepted"} 1`,
		`stratum_pool_settlement_runs_total{outcome="error",stage="handlePayment"} 1`,
		`stratum_pool_payout_amount_total 1500`,
		`stratum_pool_network_height 42`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("scrape missing %q", w)
		}
	}

	RecordDisconnect("3008")
	if !strings.Contains(scrape(t), `stratum_pool_sessions_active{port="3008"} 0`) {
		t.Error("disconnect did not decrement active sessions")
	}
}
