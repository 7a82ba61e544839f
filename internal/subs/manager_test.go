package subs

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/nanotools/nanogate/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("test", "dev", "error", "text")
}

// mockPublisher records every command written to the node event connection.
type mockPublisher struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func (m *mockPublisher) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, payload)
	return nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type command struct {
	Action  string `json:"action"`
	Topic   string `json:"topic"`
	Options struct {
		Accounts    []string `json:"accounts"`
		AccountsAdd []string `json:"accounts_add"`
		AccountsDel []string `json:"accounts_del"`
	} `json:"options"`
}

func (m *mockPublisher) commands(t *testing.T) []command {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]command, 0, len(m.sent))
	for _, payload := range m.sent {
		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			t.Fatalf("malformed command payload: %v", err)
		}
		out = append(out, cmd)
	}
	return out
}

func TestRegisterUnregister_CommandPerMutation(t *testing.T) {
	pub := &mockPublisher{}
	mgr := NewManager(testLogger(), pub, nil, nil)
	mgr.Attach("c1", make(chan []byte, 1))

	mgr.Register("c1", "nano_1a")
	mgr.Register("c1", "nano_1a")
	mgr.Unregister("c1", "nano_1a")

	if got := mgr.Accounts(); len(got) != 0 {
		t.Errorf("final account set = %v, want empty", got)
	}

	// One command per mutation call, no-op or not.
	if pub.count() != 3 {
		t.Fatalf("commands published = %d, want 3", pub.count())
	}

	cmds := pub.commands(t)
	if cmds[0].Action != "subscribe" || !reflect.DeepEqual(cmds[0].Options.Accounts, []string{"nano_1a"}) {
		t.Errorf("first command = %+v, want full subscribe with nano_1a", cmds[0])
	}
	if cmds[1].Action != "update" || len(cmds[1].Options.AccountsAdd) != 0 || len(cmds[1].Options.AccountsDel) != 0 {
		t.Errorf("second command = %+v, want empty update", cmds[1])
	}
	if cmds[2].Action != "update" || !reflect.DeepEqual(cmds[2].Options.AccountsDel, []string{"nano_1a"}) {
		t.Errorf("third command = %+v, want update removing nano_1a", cmds[2])
	}

	for _, cmd := range cmds {
		if cmd.Topic != "confirmation" {
			t.Errorf("command topic = %q, want confirmation", cmd.Topic)
		}
	}
}

func TestUnion_AcrossClients(t *testing.T) {
	pub := &mockPublisher{}
	mgr := NewManager(testLogger(), pub, nil, nil)
	mgr.Attach("c1", make(chan []byte, 1))
	mgr.Attach("c2", make(chan []byte, 1))

	mgr.Register("c1", "nano_1a")
	mgr.Register("c2", "nano_1a")
	mgr.Register("c2", "nano_1b")

	want := []string{"nano_1a", "nano_1b"}
	if got := mgr.Accounts(); !reflect.DeepEqual(got, want) {
		t.Errorf("union = %v, want %v", got, want)
	}

	// c1 dropping its interest must not remove the account c2 still wants.
	mgr.Unregister("c1", "nano_1a")
	if got := mgr.Accounts(); !reflect.DeepEqual(got, want) {
		t.Errorf("union after c1 unregister = %v, want %v", got, want)
	}

	mgr.Unregister("c2", "nano_1a")
	if got := mgr.Accounts(); !reflect.DeepEqual(got, []string{"nano_1b"}) {
		t.Errorf("union = %v, want [nano_1b]", got)
	}
}

func TestDetach_ReleasesInterestSet(t *testing.T) {
	pub := &mockPublisher{}
	mgr := NewManager(testLogger(), pub, nil, nil)
	mgr.Attach("c1", make(chan []byte, 1))
	mgr.Attach("c2", make(chan []byte, 1))

	mgr.Register("c1", "nano_1a")
	mgr.Register("c1", "nano_1b")
	mgr.Register("c2", "nano_1b")

	mgr.Detach("c1")

	if got := mgr.Accounts(); !reflect.DeepEqual(got, []string{"nano_1b"}) {
		t.Errorf("union after detach = %v, want [nano_1b]", got)
	}
	if mgr.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", mgr.ClientCount())
	}
}

func TestHandleConnect_RepublishesFullSet(t *testing.T) {
	pub := &mockPublisher{}
	mgr := NewManager(testLogger(), pub, nil, nil)
	mgr.Attach("c1", make(chan []byte, 1))

	mgr.Register("c1", "nano_1a")
	mgr.Register("c1", "nano_1b")

	mgr.HandleConnect()

	cmds := pub.commands(t)
	last := cmds[len(cmds)-1]
	if last.Action != "subscribe" {
		t.Errorf("command after reconnect = %q, want full subscribe", last.Action)
	}
	if !reflect.DeepEqual(last.Options.Accounts, []string{"nano_1a", "nano_1b"}) {
		t.Errorf("resubscribed accounts = %v, want full union", last.Options.Accounts)
	}
}

func TestPublish_SendFailureRetainsDiff(t *testing.T) {
	pub := &mockPublisher{sendErr: errors.New("connection is not established")}
	mgr := NewManager(testLogger(), pub, nil, nil)
	mgr.Attach("c1", make(chan []byte, 1))

	mgr.Register("c1", "nano_1a")

	// Connection comes back; the next mutation must carry the missed state.
	pub.mu.Lock()
	pub.sendErr = nil
	pub.mu.Unlock()

	mgr.Register("c1", "nano_1b")

	cmds := pub.commands(t)
	if len(cmds) != 1 {
		t.Fatalf("commands published = %d, want 1", len(cmds))
	}
	if cmds[0].Action != "subscribe" {
		t.Errorf("command = %q, want full subscribe after failed publish", cmds[0].Action)
	}
	if !reflect.DeepEqual(cmds[0].Options.Accounts, []string{"nano_1a", "nano_1b"}) {
		t.Errorf("accounts = %v, want both registered accounts", cmds[0].Options.Accounts)
	}
}

func TestHandleEvent_BroadcastConfirmations(t *testing.T) {
	pub := &mockPublisher{}
	mgr := NewManager(testLogger(), pub, nil, nil)

	sink1 := make(chan []byte, 1)
	sink2 := make(chan []byte, 1)
	mgr.Attach("c1", sink1)
	mgr.Attach("c2", sink2)

	payload := []byte(`{"topic":"confirmation","message":{"account":"nano_1a","amount":"100"}}`)
	mgr.HandleEvent(payload)

	for i, sink := range []chan []byte{sink1, sink2} {
		select {
		case got := <-sink:
			if string(got) != string(payload) {
				t.Errorf("client %d received %s, want unmodified payload", i+1, got)
			}
		default:
			t.Errorf("client %d received nothing", i+1)
		}
	}
}

func TestHandleEvent_OtherTopicsIgnored(t *testing.T) {
	pub := &mockPublisher{}
	mgr := NewManager(testLogger(), pub, nil, nil)

	sink := make(chan []byte, 1)
	mgr.Attach("c1", sink)

	mgr.HandleEvent([]byte(`{"topic":"vote","message":{}}`))

	select {
	case got := <-sink:
		t.Errorf("client received %s for non-confirmation topic", got)
	default:
	}
}

type mockArchiver struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (m *mockArchiver) Archive(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

func TestHandleEvent_Archived(t *testing.T) {
	pub := &mockPublisher{}
	arch := &mockArchiver{}
	mgr := NewManager(testLogger(), pub, arch, nil)
	mgr.Attach("c1", make(chan []byte, 1))

	payload := []byte(`{"topic":"confirmation","message":{}}`)
	mgr.HandleEvent(payload)
	mgr.HandleEvent([]byte(`{"topic":"vote"}`))

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.payloads) != 1 {
		t.Fatalf("archived events = %d, want 1", len(arch.payloads))
	}
	if string(arch.payloads[0]) != string(payload) {
		t.Errorf("archived payload = %s, want the confirmation event", arch.payloads[0])
	}
}
