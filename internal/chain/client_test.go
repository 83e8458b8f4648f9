package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/milestonepay/engine/internal/operation"
)

// A fixed but valid P-256 scalar.
const testOperatorKey = "2e09165b257a4c9f3f4e5b103c64ac44c5ce009d2a21e1d2306ba21e829302f9"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{RPCURL: srv.URL, OperatorKeyHex: testOperatorKey})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestReadUnmarshalsResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "contract_call" {
			t.Errorf("expected contract_call, got %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":true}`))
	})

	var valid bool
	err := client.Read(context.Background(), ContractCall{Contract: "0xreg", Method: "isValid"}, &valid)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !valid {
		t.Fatal("expected true result")
	}
}

func TestSubmitSignsWithOperatorKey(t *testing.T) {
	var captured struct {
		call json.RawMessage
		auth map[string]string
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params []json.RawMessage `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Params) == 2 {
			captured.call = req.Params[0]
			_ = json.Unmarshal(req.Params[1], &captured.auth)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xtx123"}`))
	})

	txRef, err := client.Submit(context.Background(), ContractCall{
		Contract: "0xregistry",
		Method:   "revoke",
		Args:     []interface{}{"pubkey"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if txRef != "0xtx123" {
		t.Fatalf("expected 0xtx123, got %q", txRef)
	}

	// The broadcast signature must verify against the advertised signer key
	// over the digest of the exact call the node received.
	digest := sha256.Sum256(captured.call)
	sig, err := hex.DecodeString(captured.auth["signature"])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	ok, err := operation.VerifyHashP256(captured.auth["signer"], digest[:], sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("operator signature does not verify")
	}
}

func TestSubmitWithoutOperatorKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client, err := NewClient(Config{RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Submit(context.Background(), ContractCall{}); err == nil {
		t.Fatal("expected error without operator key")
	}
}

func TestLoadAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contracts.yaml")
	content := []byte(`session_key_registry: "0xaaa"
commitment_storage: "0xbbb"
milestone_manager: "0xccc"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	addrs, err := LoadAddresses(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if addrs.SessionKeyRegistry != "0xaaa" || addrs.MilestoneManager != "0xccc" {
		t.Fatalf("unexpected addresses %+v", addrs)
	}
}

func TestLoadAddressesIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contracts.yaml")
	if err := os.WriteFile(path, []byte(`session_key_registry: "0xaaa"`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAddresses(path); err == nil {
		t.Fatal("expected error for incomplete address book")
	}
}
