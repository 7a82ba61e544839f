// Package subs tracks which accounts downstream clients care about, keeps the
// node's confirmation subscription in sync with the union of those interests,
// and relays matching node events back to every connected client.
package subs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nanotools/nanogate/internal/node"
	"github.com/nanotools/nanogate/pkg/log"
)

// Publisher is the node-side event connection commands are written to.
type Publisher interface {
	Send(payload []byte) error
}

// Archiver receives a copy of every relayed confirmation event.
type Archiver interface {
	Archive(ctx context.Context, payload []byte) error
}

// Metrics records relay fan-out.
type Metrics interface {
	RecordRelay(topic string, clients int)
}

// client is one attached downstream subscriber and its interest set.
type client struct {
	sink     chan<- []byte
	accounts map[string]struct{}
}

// Manager owns the process-wide subscription state. Each client holds its own
// registered-account set; the node-level subscription is the reference-counted
// union across clients. One command is published per register/unregister call
// regardless of whether it changed anything, so command flow stays observable.
type Manager struct {
	logger    *log.Logger
	publisher Publisher
	archiver  Archiver
	metrics   Metrics

	mu         sync.Mutex
	clients    map[string]*client
	refs       map[string]int
	published  map[string]struct{}
	subscribed bool
}

// NewManager creates a subscription manager publishing over the given
// connection. Archiver and Metrics may be nil.
func NewManager(logger *log.Logger, publisher Publisher, archiver Archiver, metrics Metrics) *Manager {
	return &Manager{
		logger:    logger.WithComponent("subs"),
		publisher: publisher,
		archiver:  archiver,
		metrics:   metrics,
		clients:   make(map[string]*client),
		refs:      make(map[string]int),
		published: make(map[string]struct{}),
	}
}

// Attach registers a downstream client sink for the broadcast relay.
func (m *Manager) Attach(clientID string, sink chan<- []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[clientID] = &client{
		sink:     sink,
		accounts: make(map[string]struct{}),
	}
	m.logger.Debug("client attached", "client_id", clientID, "clients", len(m.clients))
}

// Detach removes a client and releases its whole interest set. A command is
// published only when the union actually shrank.
func (m *Manager) Detach(clientID string) {
	m.mu.Lock()

	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, clientID)

	changed := false
	for account := range c.accounts {
		if m.release(account) {
			changed = true
		}
	}
	m.mu.Unlock()

	m.logger.Debug("client detached", "client_id", clientID)
	if changed {
		m.publish()
	}
}

// Register adds an account to a client's interest set. Re-registering an
// already-present account is a no-op on the set but still publishes a command.
func (m *Manager) Register(clientID, account string) {
	m.mu.Lock()
	if c, ok := m.clients[clientID]; ok {
		if _, present := c.accounts[account]; !present {
			c.accounts[account] = struct{}{}
			m.refs[account]++
		}
	}
	m.mu.Unlock()

	m.publish()
}

// Unregister removes an account from a client's interest set. Always
// publishes a command, matching Register.
func (m *Manager) Unregister(clientID, account string) {
	m.mu.Lock()
	if c, ok := m.clients[clientID]; ok {
		if _, present := c.accounts[account]; present {
			delete(c.accounts, account)
			m.release(account)
		}
	}
	m.mu.Unlock()

	m.publish()
}

// release decrements an account's reference count, reporting whether it left
// the union. Caller holds the lock.
func (m *Manager) release(account string) bool {
	m.refs[account]--
	if m.refs[account] <= 0 {
		delete(m.refs, account)
		return true
	}
	return false
}

// HandleConnect republishes the full subscription. Wired to the node event
// connection's connect callback so a reconnect restores node-side state.
func (m *Manager) HandleConnect() {
	m.mu.Lock()
	m.subscribed = false
	m.mu.Unlock()

	m.publish()
}

// publish sends exactly one subscription command reflecting current state: a
// full replacement on the first publish after (re)connect, an incremental
// update otherwise.
func (m *Manager) publish() {
	m.mu.Lock()

	union := make([]string, 0, len(m.refs))
	for account := range m.refs {
		union = append(union, account)
	}
	sort.Strings(union)

	var payload []byte
	var err error
	var command string

	if !m.subscribed {
		command = "subscribe"
		payload, err = json.Marshal(node.NewSubscribeCommand(union))
	} else {
		command = "update"
		var add, del []string
		for account := range m.refs {
			if _, ok := m.published[account]; !ok {
				add = append(add, account)
			}
		}
		for account := range m.published {
			if _, ok := m.refs[account]; !ok {
				del = append(del, account)
			}
		}
		sort.Strings(add)
		sort.Strings(del)
		payload, err = json.Marshal(node.NewUpdateCommand(add, del))
	}

	if err != nil {
		m.mu.Unlock()
		m.logger.WithError(err).Error("failed to marshal subscription command")
		return
	}

	// Optimistically record the published set; on send failure the state is
	// rolled back so the next command carries the missed diff.
	previous := m.published
	previousSubscribed := m.subscribed
	next := make(map[string]struct{}, len(union))
	for _, account := range union {
		next[account] = struct{}{}
	}
	m.published = next
	m.subscribed = true
	m.mu.Unlock()

	if err := m.publisher.Send(payload); err != nil {
		m.mu.Lock()
		m.published = previous
		m.subscribed = previousSubscribed
		m.mu.Unlock()
		m.logger.WithError(err).Warn("failed to publish subscription command")
		return
	}

	m.logger.LogSubscription(command, len(union))
}

// HandleEvent relays one inbound node message. Confirmation events are
// broadcast verbatim to every attached client; everything else is ignored.
func (m *Manager) HandleEvent(data []byte) {
	var event node.Event
	if err := json.Unmarshal(data, &event); err != nil {
		m.logger.WithError(err).Warn("discarding malformed node event")
		return
	}

	if event.Topic != node.TopicConfirmation {
		return
	}

	m.mu.Lock()
	sinks := make([]chan<- []byte, 0, len(m.clients))
	for _, c := range m.clients {
		sinks = append(sinks, c.sink)
	}
	m.mu.Unlock()

	delivered := 0
	for _, sink := range sinks {
		select {
		case sink <- data:
			delivered++
		default:
			// Never let one slow client stall the relay.
			m.logger.Warn("dropping event for slow client")
		}
	}

	m.logger.LogEventRelay(event.Topic, delivered)

	if m.metrics != nil {
		m.metrics.RecordRelay(event.Topic, delivered)
	}
	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.archiver.Archive(ctx, data); err != nil {
			m.logger.WithError(err).Debug("failed to archive confirmation event")
		}
	}
}

// Accounts returns the current union of registered accounts, sorted.
func (m *Manager) Accounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.refs))
	for account := range m.refs {
		out = append(out, account)
	}
	sort.Strings(out)
	return out
}

// ClientCount returns the number of attached downstream clients.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
