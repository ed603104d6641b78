// Package mutex implements the Ricart-Agrawala distributed mutual-exclusion
// protocol used to serialize leader-gated writes across the cluster.
package mutex

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"emergency-cluster/internal/clusterdir"
	"emergency-cluster/internal/transport"
)

// ErrTimeout is returned by Acquire when the caller's deadline elapses
// before every peer has replied.
var ErrTimeout = errors.New("mutex: acquisition timed out")

// clock is a Lamport logical counter used for request ordering, kept
// separate from wall-clock time used by the election's heartbeat monitor
// (see the design notes on picking a clock per concern).
type clock struct {
	mu   sync.Mutex
	time int64
}

func (c *clock) tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time++
	return c.time
}

func (c *clock) update(received int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.time {
		c.time = received
	}
}

// Mutex is one node's Ricart-Agrawala requester/responder state. Zero value
// is not usable; construct with New.
type Mutex struct {
	selfID int
	peers  []clusterdir.Node
	cfg    clusterdir.Config
	log    *logrus.Entry
	clock  clock

	mu             sync.Mutex
	wantCS         bool
	inCS           bool
	requestTS      int64
	pendingReplies int
	replyCh        chan struct{}
	repliedFrom    map[int]struct{}
	deferred       map[int]int64
}

// New builds a Mutex for selfID among peers.
func New(selfID int, peers []clusterdir.Node, cfg clusterdir.Config, log *logrus.Entry) *Mutex {
	return &Mutex{
		selfID:   selfID,
		peers:    peers,
		cfg:      cfg,
		log:      log.WithField("component", "mutex"),
		deferred: make(map[int]int64),
	}
}

// RegisterHandlers wires this mutex's inbound message handlers onto t.
// Must be called before t.Start().
func (mx *Mutex) RegisterHandlers(t *transport.Transport) {
	t.Register(transport.TCP, "MUTEX_REQUEST", mx.handleRequest)
	t.Register(transport.TCP, "MUTEX_REPLY", mx.handleReply)
	t.Register(transport.TCP, "MUTEX_RELEASE", mx.handleRelease)
}

// InCS reports whether this node currently holds the critical section.
func (mx *Mutex) InCS() bool {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	return mx.inCS
}

// Acquire blocks until every peer has replied (or is credited as replied
// after an unreachable send) or ctx is done, whichever comes first. On
// success the caller holds the critical section until Release is called.
func (mx *Mutex) Acquire(ctx context.Context) error {
	mx.mu.Lock()
	mx.wantCS = true
	mx.requestTS = mx.clock.tick()
	ts := mx.requestTS
	mx.pendingReplies = len(mx.peers)
	mx.repliedFrom = make(map[int]struct{}, len(mx.peers))
	replyCh := make(chan struct{}, len(mx.peers))
	mx.replyCh = replyCh
	peers := append([]clusterdir.Node(nil), mx.peers...)
	mx.mu.Unlock()

	mx.log.WithField("request_ts", ts).Debug("requesting critical section")

	for _, p := range peers {
		go func(p clusterdir.Node) {
			resp, sent := transport.SendTCP(p.TCPAddr(), transport.Frame{
				Type:      "MUTEX_REQUEST",
				SenderID:  mx.selfID,
				Timestamp: nowSeconds(),
				Ts:        float64(ts),
			}, mx.cfg.TCPSendTimeout())
			if !sent {
				// Peer unreachable: keep it in the quorum rather than
				// excluding it, crediting the reply immediately so a down
				// link can't block Acquire forever.
				mx.log.WithField("peer", p.ID).Warn("mutex request unreachable, crediting reply")
				mx.credit(ts, p.ID)
				return
			}
			if resp != nil && resp.Type == "MUTEX_REPLY" {
				mx.credit(ts, resp.SenderID)
			}
		}(p)
	}

	remaining := len(peers)
	for remaining > 0 {
		select {
		case <-replyCh:
			remaining--
		case <-ctx.Done():
			mx.abort(ts)
			return ErrTimeout
		}
	}

	mx.mu.Lock()
	mx.inCS = true
	mx.mu.Unlock()
	mx.log.Debug("entered critical section")
	return nil
}

// Release exits the critical section, broadcasts an informational
// MUTEX_RELEASE, and sends the deferred MUTEX_REPLY to every peer this node
// withheld one from.
func (mx *Mutex) Release() {
	mx.mu.Lock()
	mx.wantCS = false
	mx.inCS = false
	deferred := make(map[int]int64, len(mx.deferred))
	for id, ts := range mx.deferred {
		deferred[id] = ts
	}
	mx.deferred = make(map[int]int64)
	mx.mu.Unlock()

	mx.log.WithField("deferred_count", len(deferred)).Debug("releasing critical section")

	for _, p := range mx.peers {
		go transport.SendTCP(p.TCPAddr(), transport.Frame{
			Type:      "MUTEX_RELEASE",
			SenderID:  mx.selfID,
			Timestamp: nowSeconds(),
		}, mx.cfg.TCPSendTimeout())
	}

	for id, theirTS := range deferred {
		addr, ok := mx.peerAddr(id)
		if !ok {
			continue
		}
		go transport.SendTCP(addr, transport.Frame{
			Type:      "MUTEX_REPLY",
			SenderID:  mx.selfID,
			Timestamp: nowSeconds(),
			Ts:        float64(theirTS),
		}, mx.cfg.TCPSendTimeout())
	}
}

func (mx *Mutex) peerAddr(id int) (string, bool) {
	for _, p := range mx.peers {
		if p.ID == id {
			return p.TCPAddr(), true
		}
	}
	return "", false
}

// credit applies a MUTEX_REPLY toward the pending count for the request
// stamped ts, as long as it is still the live request and senderID hasn't
// already been counted for it. A reply answering a request this node has
// since abandoned (ts no longer matches mx.requestTS, e.g. after abort
// reset it for a later Acquire) or a duplicate from a peer already
// credited this round is dropped rather than applied to whatever request
// happens to be live now.
func (mx *Mutex) credit(ts int64, senderID int) {
	mx.mu.Lock()
	if ts != mx.requestTS {
		mx.mu.Unlock()
		mx.log.WithFields(logrus.Fields{"peer": senderID, "reply_ts": ts}).Warn("dropping mutex reply for a request that is no longer live")
		return
	}
	if _, already := mx.repliedFrom[senderID]; already {
		mx.mu.Unlock()
		return
	}
	mx.repliedFrom[senderID] = struct{}{}
	if mx.pendingReplies > 0 {
		mx.pendingReplies--
	}
	ch := mx.replyCh
	mx.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (mx *Mutex) abort(ts int64) {
	mx.mu.Lock()
	if ts == mx.requestTS {
		mx.wantCS = false
		mx.pendingReplies = 0
		mx.requestTS = 0
	}
	mx.mu.Unlock()
}

// handleRequest decides whether to defer or immediately reply to an
// incoming request: defer iff this node is in its critical section, or
// wants it with a request that strictly precedes the incoming one in
// (timestamp, node_id) order. A reply always echoes back the requester's
// own timestamp so the requester can match it to the request it answers.
func (mx *Mutex) handleRequest(f transport.Frame) *transport.Frame {
	senderID := f.SenderID
	theirTS := int64(f.Ts)
	mx.clock.update(theirTS)

	mx.mu.Lock()
	defer mx.mu.Unlock()

	shouldDefer := mx.inCS || (mx.wantCS && ((mx.requestTS < theirTS) || (mx.requestTS == theirTS && mx.selfID < senderID)))
	if shouldDefer {
		mx.deferred[senderID] = theirTS
		return nil
	}
	return &transport.Frame{Type: "MUTEX_REPLY", SenderID: mx.selfID, Timestamp: nowSeconds(), Ts: float64(theirTS)}
}

func (mx *Mutex) handleReply(f transport.Frame) *transport.Frame {
	mx.credit(int64(f.Ts), f.SenderID)
	return nil
}

// handleRelease is retained for observability only; it has no effect on
// mutex state since a release never changes what this node itself is
// waiting on or holding.
func (mx *Mutex) handleRelease(f transport.Frame) *transport.Frame {
	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
