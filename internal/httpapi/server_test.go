package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"stable-ledger/internal/engine"
	"stable-ledger/internal/fixedpoint"
)

type stubEngine struct {
	mintOut    fixedpoint.Value
	mintErr    error
	redeemOut  engine.RedeemResult
	redeemErr  error
	bondOut    fixedpoint.Value
	bondErr    error
	ratio      fixedpoint.Value
	paused     bool
	lastCaller common.Address
}

func (s *stubEngine) Mint(_ context.Context, caller common.Address, _ fixedpoint.Value) (fixedpoint.Value, error) {
	s.lastCaller = caller
	return s.mintOut, s.mintErr
}

func (s *stubEngine) Redeem(_ context.Context, caller common.Address, _ fixedpoint.Value) (engine.RedeemResult, error) {
	s.lastCaller = caller
	return s.redeemOut, s.redeemErr
}

func (s *stubEngine) RedeemBond(_ context.Context, caller common.Address, _ fixedpoint.Value) (fixedpoint.Value, error) {
	s.lastCaller = caller
	return s.bondOut, s.bondErr
}

func (s *stubEngine) CollateralRatio(context.Context) (fixedpoint.Value, error) {
	return s.ratio, nil
}

func (s *stubEngine) Paused() bool { return s.paused }

type stubReadiness struct {
	pairs map[string]bool
}

func (s *stubReadiness) Pairs() []string {
	pairs := make([]string, 0, len(s.pairs))
	for pair := range s.pairs {
		pairs = append(pairs, pair)
	}
	return pairs
}

func (s *stubReadiness) IsReady(_ context.Context, pair string) (bool, error) {
	return s.pairs[pair], nil
}

func newTestServer(eng *stubEngine, ready Readiness) *httptest.Server {
	srv := NewServer(eng, ready, nil, nil, nil, zerolog.Nop())
	return httptest.NewServer(srv.Router())
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	payload := make(map[string]string)
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func TestMintEndpoint(t *testing.T) {
	eng := &stubEngine{mintOut: fixedpoint.MustParse("49950")}
	ts := newTestServer(eng, &stubReadiness{})
	defer ts.Close()

	resp, payload := postJSON(t, ts.URL+"/v1/mint", `{"caller":"0x00000000000000000000000000000000000000aa","reserve_amount":"1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["minted"] != "49950" {
		t.Fatalf("unexpected minted amount %q", payload["minted"])
	}
	if eng.lastCaller != common.HexToAddress("0x00000000000000000000000000000000000000aa") {
		t.Fatalf("caller not forwarded: %s", eng.lastCaller.Hex())
	}
}

func TestMintRejectsBadCaller(t *testing.T) {
	ts := newTestServer(&stubEngine{}, &stubReadiness{})
	defer ts.Close()

	resp, payload := postJSON(t, ts.URL+"/v1/mint", `{"caller":"not-an-address","reserve_amount":"1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if payload["error"] == "" {
		t.Fatal("expected error message")
	}
}

func TestRedeemEndpointWaterfallFields(t *testing.T) {
	eng := &stubEngine{redeemOut: engine.RedeemResult{
		ReserveOut:  fixedpoint.MustParse("0.01"),
		BondOut:     fixedpoint.MustParse("100"),
		BackstopOut: fixedpoint.MustParse("25"),
		Fee:         fixedpoint.MustParse("0.5"),
	}}
	ts := newTestServer(eng, &stubReadiness{})
	defer ts.Close()

	resp, payload := postJSON(t, ts.URL+"/v1/redeem", `{"caller":"0x00000000000000000000000000000000000000aa","stable_amount":"500"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["reserve_out"] != "0.01" || payload["bond_out"] != "100" || payload["backstop_out"] != "25" {
		t.Fatalf("unexpected waterfall payload: %#v", payload)
	}
}

func TestEngineErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"zero amount", engine.ErrZeroAmount, http.StatusBadRequest},
		{"paused", engine.ErrPaused, http.StatusServiceUnavailable},
		{"cap exceeded", engine.ErrRedemptionCapExceeded, http.StatusConflict},
		{"insufficient funds", engine.ErrInsufficientFunds, http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(&stubEngine{redeemErr: tc.err}, &stubReadiness{})
			defer ts.Close()

			resp, _ := postJSON(t, ts.URL+"/v1/redeem", `{"caller":"0x00000000000000000000000000000000000000aa","stable_amount":"1"}`)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestReadyzReflectsObservationWindow(t *testing.T) {
	ts := newTestServer(&stubEngine{}, &stubReadiness{pairs: map[string]bool{"WBTC/USDU": false}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while window is empty, got %d", resp.StatusCode)
	}

	ts2 := newTestServer(&stubEngine{}, &stubReadiness{pairs: map[string]bool{"WBTC/USDU": true}})
	defer ts2.Close()

	resp2, err := http.Get(ts2.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", resp2.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	eng := &stubEngine{ratio: fixedpoint.MustParse("1.25"), paused: true}
	ts := newTestServer(eng, &stubReadiness{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	payload := make(map[string]any)
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload["paused"] != true {
		t.Fatalf("expected paused true, got %#v", payload["paused"])
	}
	if payload["collateral_ratio"] != "1.25" {
		t.Fatalf("unexpected ratio %#v", payload["collateral_ratio"])
	}
}
