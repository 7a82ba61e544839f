package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nanotools/nanogate/pkg/errors"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *RPCClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewRPCClient(srv.URL, 5*time.Second)
}

func TestCall_PassThrough(t *testing.T) {
	var received []byte
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"balance":"100"}`))
	})

	body := []byte(`{"action":"account_balance","account":"nano_1abc"}`)
	resp, err := client.Call(context.Background(), body)
	if err != nil {
		t.Fatalf("Call() unexpected error: %v", err)
	}

	if string(resp) != `{"balance":"100"}` {
		t.Errorf("Call() response = %s, want verbatim body", resp)
	}
	if string(received) != string(body) {
		t.Errorf("Call() forwarded body = %s, want %s", received, body)
	}
}

func TestCall_Non2xxIsTransportError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"overloaded"}`))
	})

	body, err := client.Call(context.Background(), []byte(`{"action":"pending"}`))
	if err == nil {
		t.Fatal("Call() expected error for non-2xx status")
	}
	if !errors.IsType(err, errors.ErrorTypeNode) {
		t.Errorf("Call() error type = %v, want node error", err)
	}
	// The buffered body is still surfaced alongside the error.
	if string(body) != `{"error":"overloaded"}` {
		t.Errorf("Call() body = %s, want buffered error payload", body)
	}
}

func TestCall_ConnectionRefused(t *testing.T) {
	client := NewRPCClient("http://127.0.0.1:1/", 500*time.Millisecond)

	_, err := client.Call(context.Background(), []byte(`{"action":"pending"}`))
	if err == nil {
		t.Fatal("Call() expected error for unreachable node")
	}
	if !errors.IsType(err, errors.ErrorTypeNetwork) {
		t.Errorf("Call() error type = %v, want network error", err)
	}
}

func TestWorkGenerate(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req WorkGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Action != "work_generate" || req.Hash != "H1" {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Write([]byte(`{"work":"W1","hash":"H1"}`))
	})

	resp, err := client.WorkGenerate(context.Background(), "H1")
	if err != nil {
		t.Fatalf("WorkGenerate() unexpected error: %v", err)
	}
	if string(resp) != `{"work":"W1","hash":"H1"}` {
		t.Errorf("WorkGenerate() = %s, want verbatim node response", resp)
	}
}

func TestSend(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  bool
		block    string
	}{
		{
			name:     "success",
			response: `{"block":"HASH1"}`,
			block:    "HASH1",
		},
		{
			name:     "node error payload",
			response: `{"error":"wallet locked"}`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				var req SendRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("failed to decode request: %v", err)
				}
				if req.Action != "send" || req.Destination != "nano_1xyz" {
					t.Errorf("unexpected request: %+v", req)
				}
				w.Write([]byte(tt.response))
			})

			resp, err := client.Send(context.Background(), "wallet", "source", "nano_1xyz", "1000")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && resp.Block != tt.block {
				t.Errorf("Send() block = %q, want %q", resp.Block, tt.block)
			}
		})
	}
}

func TestAccountInfo_UnopenedAccount(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Account not found"}`))
	})

	resp, err := client.AccountInfo(context.Background(), "nano_1xyz")
	if err != nil {
		t.Fatalf("AccountInfo() unexpected error: %v", err)
	}
	if resp.Error == "" {
		t.Error("AccountInfo() should surface the node error field")
	}
	if resp.Frontier != "" {
		t.Errorf("AccountInfo() frontier = %q, want empty", resp.Frontier)
	}
}

func TestActionAllowed(t *testing.T) {
	allowed := []string{"account_info", "account_balance", "block_info", "pending", "process", "work_generate"}
	for _, action := range allowed {
		if !ActionAllowed(action) {
			t.Errorf("ActionAllowed(%q) = false, want true", action)
		}
	}

	denied := []string{"send", "wallet_create", "request_nano", "", "subscribe"}
	for _, action := range denied {
		if ActionAllowed(action) {
			t.Errorf("ActionAllowed(%q) = true, want false", action)
		}
	}
}

func TestSubscribeCommands(t *testing.T) {
	sub := NewSubscribeCommand([]string{"nano_1a", "nano_1b"})
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal subscribe: %v", err)
	}
	want := `{"action":"subscribe","topic":"confirmation","options":{"accounts":["nano_1a","nano_1b"]}}`
	if string(data) != want {
		t.Errorf("subscribe command = %s, want %s", data, want)
	}

	upd := NewUpdateCommand([]string{"nano_1c"}, nil)
	data, err = json.Marshal(upd)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	want = `{"action":"update","topic":"confirmation","options":{"accounts_add":["nano_1c"],"accounts_del":[]}}`
	if string(data) != want {
		t.Errorf("update command = %s, want %s", data, want)
	}
}
