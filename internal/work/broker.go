// Package work multiplexes proof-of-work generation between the external
// dPoW service and the node's own work_generate RPC, with automatic fallback.
package work

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nanotools/nanogate/internal/node"
	"github.com/nanotools/nanogate/pkg/log"
)

// genericError is the opaque failure payload the gateway exposes downstream.
var genericError = []byte(`{"error":"1"}`)

// Result is written to the response sink of the originating HTTP request.
type Result struct {
	Body []byte
}

// Delegator is the dPoW-side connection the broker delegates over.
type Delegator interface {
	Send(payload []byte) error
	EverConnected() bool
}

// Cache stores computed work keyed by block hash. A miss returns an empty
// string and no error.
type Cache interface {
	GetWork(ctx context.Context, hash string) (string, error)
	SetWork(ctx context.Context, hash, work string) error
}

// Metrics records work generation outcomes. Implementations must be cheap;
// the broker calls them on the resolution path.
type Metrics interface {
	RecordWork(source string, duration time.Duration)
}

// Work sources reported to metrics and logs.
const (
	SourceDpow  = "dpow"
	SourceNode  = "node"
	SourceCache = "cache"
)

// DelegationRequest is the message sent to the dPoW service.
type DelegationRequest struct {
	User   string `json:"user"`
	APIKey string `json:"api_key"`
	Hash   string `json:"hash"`
	ID     uint64 `json:"id"`
}

// DelegationReply is the dPoW service's asynchronous answer. Error is kept
// raw so its mere presence can be tested, matching the service's contract.
type DelegationReply struct {
	ID    uint64          `json:"id"`
	Work  string          `json:"work"`
	Error json.RawMessage `json:"error"`
}

// Failed reports whether the reply carries an error field.
func (r *DelegationReply) Failed() bool {
	return len(r.Error) > 0 && string(r.Error) != "null"
}

// workResponse is the payload composed for a successful delegation.
type workResponse struct {
	Work string `json:"work"`
	Hash string `json:"hash"`
}

// pendingWork is one outstanding delegated proof-of-work computation.
type pendingWork struct {
	id      uint64
	hash    string
	rawBody []byte
	sink    chan<- Result
	timer   *time.Timer
	started time.Time
}

// Broker routes work requests and correlates asynchronous dPoW replies back
// to the HTTP requests that triggered them.
type Broker struct {
	logger    *log.Logger
	rpc       node.RPCInterface
	delegator Delegator
	cache     Cache
	metrics   Metrics

	user    string
	apiKey  string
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingWork
}

// Options carries the broker's dependencies. Delegator, Cache and Metrics
// may be nil; the broker degrades to node-only work generation.
type Options struct {
	RPC       node.RPCInterface
	Delegator Delegator
	Cache     Cache
	Metrics   Metrics
	User      string
	APIKey    string
	Timeout   time.Duration
}

// NewBroker creates a work broker.
func NewBroker(logger *log.Logger, opts Options) *Broker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Broker{
		logger:    logger.WithComponent("work"),
		rpc:       opts.RPC,
		delegator: opts.Delegator,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		user:      opts.User,
		apiKey:    opts.APIKey,
		timeout:   timeout,
		pending:   make(map[uint64]*pendingWork),
	}
}

// Available reports whether delegation to the dPoW service is possible. It is
// sticky: once the service has completed its initial handshake the broker
// keeps delegating, trusting the reconnecting stream underneath.
func (b *Broker) Available() bool {
	return b.delegator != nil && b.delegator.EverConnected()
}

// PendingCount returns the number of outstanding delegations.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// HandleWork resolves one work_generate request. rawBody is the client's
// original request payload, forwarded verbatim when the node computes the
// work itself. Exactly one Result is written to sink, possibly after the
// call returns.
func (b *Broker) HandleWork(ctx context.Context, rawBody []byte, hash string, sink chan<- Result) {
	started := time.Now()

	// Previously computed work short-circuits both the dPoW service and the
	// node.
	if work := b.cachedWork(ctx, hash); work != "" {
		b.deliver(sink, b.composeWork(work, hash))
		b.record(SourceCache, started)
		return
	}

	if !b.Available() {
		b.generateOnNode(ctx, rawBody, hash, sink, started)
		return
	}

	b.delegate(ctx, rawBody, hash, sink, started)
}

// HandleReply consumes one inbound dPoW message. Replies referencing an
// unknown correlation id are dropped silently.
func (b *Broker) HandleReply(data []byte) {
	var reply DelegationReply
	if err := json.Unmarshal(data, &reply); err != nil {
		b.logger.WithError(err).Warn("discarding malformed dpow message")
		return
	}

	p := b.takePending(reply.ID)
	if p == nil {
		b.logger.Debug("dpow reply for unknown correlation id",
			"correlation_id", reply.ID)
		return
	}

	if !reply.Failed() {
		b.deliver(p.sink, b.composeWork(reply.Work, p.hash))
		b.storeWork(p.hash, reply.Work)
		b.record(SourceDpow, p.started)
		b.logger.LogWorkResolved(p.id, SourceDpow, "ok")
		return
	}

	// The dPoW service could not produce work; ask the node once.
	b.logger.LogWorkResolved(p.id, SourceDpow, "error")
	go b.fallback(p)
}

// delegate records a pending entry and sends the delegation message.
func (b *Broker) delegate(ctx context.Context, rawBody []byte, hash string, sink chan<- Result, started time.Time) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	p := &pendingWork{
		id:      id,
		hash:    hash,
		rawBody: rawBody,
		sink:    sink,
		started: started,
	}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })
	b.pending[id] = p
	b.mu.Unlock()

	// Abandoned requests (client gone) must not leak pending entries.
	go b.watchCancel(ctx, id)

	req := &DelegationRequest{
		User:   b.user,
		APIKey: b.apiKey,
		Hash:   hash,
		ID:     id,
	}
	payload, err := json.Marshal(req)
	if err == nil {
		err = b.delegator.Send(payload)
	}
	if err != nil {
		// Delegation never left the process; fall back immediately.
		if taken := b.takePending(id); taken != nil {
			b.logger.WithError(err).Warn("dpow send failed, using node fallback",
				"correlation_id", id)
			go b.fallback(taken)
		}
		return
	}

	b.logger.LogWorkDelegated(id, hash)
}

// generateOnNode forwards the original request verbatim to the node RPC.
func (b *Broker) generateOnNode(ctx context.Context, rawBody []byte, hash string, sink chan<- Result, started time.Time) {
	body, err := b.rpc.Call(ctx, rawBody)
	if err != nil {
		b.deliver(sink, genericError)
		return
	}
	b.deliver(sink, body)
	b.cacheFromResponse(hash, body)
	b.record(SourceNode, started)
}

// fallback issues the single node work_generate attempt for a failed
// delegation. The response body is relayed verbatim on success.
func (b *Broker) fallback(p *pendingWork) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	body, err := b.rpc.WorkGenerate(ctx, p.hash)
	if err != nil {
		b.deliver(p.sink, genericError)
		b.logger.LogWorkResolved(p.id, SourceNode, "error")
		return
	}
	b.deliver(p.sink, body)
	b.cacheFromResponse(p.hash, body)
	b.record(SourceNode, p.started)
	b.logger.LogWorkResolved(p.id, SourceNode, "ok")
}

// expire resolves a pending entry that outlived the work timeout.
func (b *Broker) expire(id uint64) {
	p := b.takePending(id)
	if p == nil {
		return
	}
	b.deliver(p.sink, genericError)
	b.logger.Warn("delegated work timed out",
		"correlation_id", id,
		"hash", p.hash,
	)
}

// watchCancel discards the pending entry when the originating request goes
// away before a reply arrives.
func (b *Broker) watchCancel(ctx context.Context, id uint64) {
	<-ctx.Done()
	if p := b.takePending(id); p != nil {
		b.logger.Debug("discarding pending work for cancelled request",
			"correlation_id", id,
			"hash", p.hash,
		)
	}
}

// takePending removes and returns a pending entry, or nil when the id is
// unknown. Removal under the lock is what makes resolution exactly-once:
// whichever of reply, timeout and cancellation takes the entry first wins.
func (b *Broker) takePending(id uint64) *pendingWork {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// deliver writes a result without ever blocking the broker. Sinks are
// buffered; a full sink means the request was already answered or abandoned.
func (b *Broker) deliver(sink chan<- Result, body []byte) {
	select {
	case sink <- Result{Body: body}:
	default:
	}
}

func (b *Broker) composeWork(work, hash string) []byte {
	data, err := json.Marshal(&workResponse{Work: work, Hash: hash})
	if err != nil {
		return []byte(fmt.Sprintf(`{"work":%q,"hash":%q}`, work, hash))
	}
	return data
}

// cachedWork looks the hash up in the work cache, tolerating cache outages.
func (b *Broker) cachedWork(ctx context.Context, hash string) string {
	if b.cache == nil {
		return ""
	}
	work, err := b.cache.GetWork(ctx, hash)
	if err != nil {
		b.logger.WithError(err).Debug("work cache lookup failed")
		return ""
	}
	return work
}

// storeWork writes computed work back to the cache, best effort.
func (b *Broker) storeWork(hash, work string) {
	if b.cache == nil || work == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.cache.SetWork(ctx, hash, work); err != nil {
		b.logger.WithError(err).Debug("work cache store failed")
	}
}

// cacheFromResponse extracts the work field from a node response body and
// stores it.
func (b *Broker) cacheFromResponse(hash string, body []byte) {
	if b.cache == nil {
		return
	}
	var resp struct {
		Work string `json:"work"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Work == "" {
		return
	}
	b.storeWork(hash, resp.Work)
}

func (b *Broker) record(source string, started time.Time) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordWork(source, time.Since(started))
}
