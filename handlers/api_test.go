package handlers

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"fleet-resolver/kvstore"
	"fleet-resolver/ledger"
	"fleet-resolver/scheduler"
	"fleet-resolver/types"
	"fleet-resolver/utils"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := kvstore.NewInMemory()
	t.Cleanup(func() { store.Close() })

	schedule := []types.FeeTier{
		{Delay: 0, MaxFeePerGas: big.NewInt(10)},
		{Delay: 60, MaxFeePerGas: big.NewInt(20)},
		{Delay: 300, MaxFeePerGas: big.NewInt(50)},
	}
	ldg, err := ledger.New(store, schedule)
	if err != nil {
		t.Fatalf("failed creating ledger: %v", err)
	}
	svc := scheduler.New(store, nil, ldg, scheduler.Config{GasEstimate: 5, FinalityDepth: 10})
	Init(svc, ldg)

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/register", Register).Methods("POST")
	router.HandleFunc("/api/v1/account/{address}", Account).Methods("GET")
	router.HandleFunc("/api/v1/queue", GetQueue).Methods("GET")
	router.HandleFunc("/api/v1/tx/{fleetId}", GetTransactionInfo).Methods("GET")

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func decodeResponse(t *testing.T, resp *http.Response) *types.ApiResponse {
	t.Helper()
	defer resp.Body.Close()
	out := &types.ApiResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("failed decoding response body: %v", err)
	}
	return out
}

func TestRegisterEndpoint(t *testing.T) {
	srv := newTestServer(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed generating key: %v", err)
	}
	player := crypto.PubkeyToAddress(key.PublicKey).Hex()

	sub := &types.RegisterSubmission{
		Player:           player,
		Delegate:         "0x00000000000000000000000000000000000000aa",
		NonceMsTimestamp: 1700000000000,
	}
	sub.Signature, err = utils.SignMessage(hex.EncodeToString(crypto.FromECDSA(key)), sub.SigningMessage())
	if err != nil {
		t.Fatalf("failed signing: %v", err)
	}
	body, _ := json.Marshal(sub)

	resp, err := http.Post(srv.URL+"/api/v1/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if out := decodeResponse(t, resp); out.Status != "OK" {
		t.Errorf("expected OK envelope, got %+v", out)
	}

	// the registered delegate is visible via the account endpoint
	resp, err = http.Get(srv.URL + "/api/v1/account/" + player)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	out := decodeResponse(t, resp)
	acct, ok := out.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected account object, got %+v", out.Data)
	}
	if acct["delegate"] != sub.Delegate {
		t.Errorf("expected delegate %v, got %v", sub.Delegate, acct["delegate"])
	}
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t)

	sub := &types.RegisterSubmission{
		Player:           "0x00000000000000000000000000000000000000bb",
		Delegate:         "0x00000000000000000000000000000000000000aa",
		NonceMsTimestamp: 1700000000000,
		Signature:        "0xdeadbeef",
	}
	body, _ := json.Marshal(sub)

	resp, err := http.Post(srv.URL+"/api/v1/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Status != "ERROR" || out.Error == nil || out.Error.Code != types.CodeNotAuthorized {
		t.Errorf("expected NotAuthorized error envelope, got %+v", out)
	}
}

func TestRegisterRejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/register", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != types.CodeInvalidSubmission {
		t.Errorf("expected InvalidSubmission error envelope, got %+v", out)
	}
}

func TestTransactionInfoNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/tx/42")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != types.CodeNotFound {
		t.Errorf("expected NotFound error envelope, got %+v", out)
	}
}

func TestQueueEndpointEmpty(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/queue")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if out := decodeResponse(t, resp); out.Status != "OK" {
		t.Errorf("expected OK envelope, got %+v", out)
	}
}
