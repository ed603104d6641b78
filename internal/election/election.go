// Package election implements the Bully leader-election state machine:
// heartbeat-driven failure detection, ELECTION/OK/COORDINATOR message
// exchange, and the smart-acceptance rule that prevents a live
// higher-priority node from being displaced by a stale claim.
package election

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"emergency-cluster/internal/clusterdir"
	"emergency-cluster/internal/transport"
)

// State is a node's position in the Bully state machine.
type State int

const (
	Follower State = iota
	Leader
)

func (s State) String() string {
	if s == Leader {
		return "Leader"
	}
	return "Follower"
}

// Sink receives leadership-change notifications. Invoked outside any lock,
// on every accepted current_leader change including self-election.
type Sink interface {
	OnLeaderChange(newLeaderID int, term uint64)
}

// Snapshot is a read-only view of a Machine's state for status reporting.
type Snapshot struct {
	State              State
	CurrentLeader      int
	Term               uint64
	ElectionInProgress bool
}

// Machine is one node's election state machine. Zero value is not usable;
// construct with New.
type Machine struct {
	selfID int
	peers  []clusterdir.Node
	cfg    clusterdir.Config
	t      *transport.Transport
	sink   Sink
	log    *logrus.Entry

	mu                    sync.Mutex
	state                 State
	currentLeader         int
	electionInProgress    bool
	term                  uint64
	lastHeartbeatReceived time.Time
	nodeLastSeen          map[int]time.Time
	coordWait             chan struct{}

	stopCh chan struct{}
}

// New builds an election Machine for selfID among peers, communicating over
// t and notifying sink of accepted leadership changes.
func New(selfID int, peers []clusterdir.Node, cfg clusterdir.Config, t *transport.Transport, sink Sink, log *logrus.Entry) *Machine {
	return &Machine{
		selfID:                selfID,
		peers:                 peers,
		cfg:                   cfg,
		t:                     t,
		sink:                  sink,
		log:                   log.WithField("component", "election"),
		lastHeartbeatReceived: time.Now(),
		nodeLastSeen:          make(map[int]time.Time),
		stopCh:                make(chan struct{}),
	}
}

// RegisterHandlers wires this machine's inbound message handlers onto t.
// Must be called before t.Start().
func (m *Machine) RegisterHandlers() {
	m.t.Register(transport.TCP, "ELECTION", m.handleElection)
	m.t.Register(transport.TCP, "COORDINATOR", m.handleCoordinator)
	m.t.Register(transport.UDP, "HEARTBEAT", m.handleHeartbeat)
}

// Run starts the bootstrap settle window, the heartbeat emitter, and the
// monitor loop. Returns once bootstrap resolves; the two loops keep running
// in the background until Stop is called.
func (m *Machine) Run() {
	go m.heartbeatLoop()
	go m.monitorLoop()
	m.bootstrap()
}

// Stop halts the background loops.
func (m *Machine) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
	}
	close(m.stopCh)
}

// IsLeader reports whether this node currently believes itself to be leader.
func (m *Machine) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Leader
}

// CurrentLeader returns the node_id this node currently recognizes as
// leader, or 0 if none is known.
func (m *Machine) CurrentLeader() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLeader
}

// Status returns a point-in-time snapshot for diagnostics.
func (m *Machine) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:              m.state,
		CurrentLeader:      m.currentLeader,
		Term:               m.term,
		ElectionInProgress: m.electionInProgress,
	}
}

func (m *Machine) bootstrap() {
	time.Sleep(2 * time.Second)
	if m.CurrentLeader() == 0 {
		m.log.Info("no leader announced during bootstrap settle window, starting election")
		m.StartElection()
	}
}

// StartElection runs one pass of the Bully protocol. Idempotent: a second
// call while one is already in flight is a no-op.
func (m *Machine) StartElection() {
	m.mu.Lock()
	if m.electionInProgress {
		m.mu.Unlock()
		return
	}
	m.electionInProgress = true
	m.term++
	term := m.term
	higher := m.peersAboveLocked(m.selfID)
	m.mu.Unlock()

	m.log.WithField("term", term).Info("starting election")

	if len(higher) == 0 {
		m.becomeLeader(term)
		return
	}

	okCh := make(chan struct{}, len(higher))
	var wg sync.WaitGroup
	for _, p := range higher {
		wg.Add(1)
		go func(p clusterdir.Node) {
			defer wg.Done()
			resp, sent := transport.SendTCP(p.TCPAddr(), transport.Frame{
				Type:      "ELECTION",
				SenderID:  m.selfID,
				Timestamp: nowSeconds(),
			}, m.cfg.TCPSendTimeout())
			if sent && resp != nil && resp.Type == "OK" {
				okCh <- struct{}{}
			}
		}(p)
	}
	wg.Wait()
	close(okCh)

	oks := 0
	for range okCh {
		oks++
	}

	if oks == 0 {
		m.becomeLeader(term)
		return
	}

	m.log.WithField("term", term).Debug("received OK from higher peer(s), waiting for coordinator")
	waitCh := make(chan struct{})
	m.mu.Lock()
	m.coordWait = waitCh
	m.mu.Unlock()

	select {
	case <-waitCh:
	case <-time.After(m.cfg.ElectionTimeout()):
		m.log.WithField("term", term).Warn("timed out waiting for coordinator, retrying election")
	}

	m.mu.Lock()
	m.electionInProgress = false
	if m.coordWait == waitCh {
		m.coordWait = nil
	}
	resolved := m.currentLeader != 0
	m.mu.Unlock()

	if !resolved {
		go m.StartElection()
	}
}

func (m *Machine) becomeLeader(term uint64) {
	m.mu.Lock()
	if term < m.term {
		m.mu.Unlock()
		return
	}
	m.state = Leader
	m.currentLeader = m.selfID
	m.electionInProgress = false
	peers := append([]clusterdir.Node(nil), m.peers...)
	m.mu.Unlock()

	m.log.WithField("term", term).Info("no higher nodes responded, becoming leader")

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p clusterdir.Node) {
			defer wg.Done()
			transport.SendTCP(p.TCPAddr(), transport.Frame{
				Type:      "COORDINATOR",
				SenderID:  m.selfID,
				Timestamp: nowSeconds(),
			}, m.cfg.CoordinatorAnnounceTimeout())
		}(p)
	}
	wg.Wait()

	if m.sink != nil {
		m.sink.OnLeaderChange(m.selfID, term)
	}
}

func (m *Machine) handleElection(f transport.Frame) *transport.Frame {
	m.updateNodeLastSeen(f.SenderID)
	if f.SenderID < m.selfID {
		go m.StartElection()
		return &transport.Frame{Type: "OK", SenderID: m.selfID, Timestamp: nowSeconds()}
	}
	return nil
}

func (m *Machine) handleCoordinator(f transport.Frame) *transport.Frame {
	leaderID := f.SenderID
	m.updateNodeLastSeen(leaderID)

	if !m.shouldAcceptLeader(leaderID) {
		m.log.WithField("claimed_leader", leaderID).Warn("rejecting coordinator claim under smart-acceptance rule")
		go m.StartElection()
		return nil
	}

	m.mu.Lock()
	changed := m.currentLeader != leaderID
	m.currentLeader = leaderID
	m.state = Follower
	m.lastHeartbeatReceived = time.Now()
	m.electionInProgress = false
	term := m.term
	if m.coordWait != nil {
		close(m.coordWait)
		m.coordWait = nil
	}
	m.mu.Unlock()

	if changed {
		m.log.WithField("leader", leaderID).Info("accepted new coordinator")
		if m.sink != nil {
			m.sink.OnLeaderChange(leaderID, term)
		}
	}
	return nil
}

func (m *Machine) handleHeartbeat(f transport.Frame) *transport.Frame {
	leaderID := f.SenderID
	m.updateNodeLastSeen(leaderID)

	m.mu.Lock()
	m.lastHeartbeatReceived = time.Now()
	m.mu.Unlock()

	if !m.shouldAcceptLeader(leaderID) {
		return nil
	}

	m.mu.Lock()
	changed := m.currentLeader != leaderID
	m.currentLeader = leaderID
	m.state = Follower
	term := m.term
	m.mu.Unlock()

	if changed {
		m.log.WithField("leader", leaderID).Info("adopted leader from heartbeat")
		if m.sink != nil {
			m.sink.OnLeaderChange(leaderID, term)
		}
	}
	return nil
}

// shouldAcceptLeader decides whether a claimed leader should be adopted:
// always accept a higher id; never yield from Leader to a lower id; accept
// a lower id only when every higher-priority peer has been silent for
// longer than the grace period.
func (m *Machine) shouldAcceptLeader(leaderID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if leaderID > m.selfID {
		return true
	}
	if m.state == Leader && m.selfID > leaderID {
		return false
	}

	grace := m.cfg.GracePeriod()
	now := time.Now()
	for _, p := range m.peers {
		if p.ID <= leaderID {
			continue
		}
		seen, ok := m.nodeLastSeen[p.ID]
		if ok && now.Sub(seen) <= grace {
			return false
		}
	}
	return true
}

func (m *Machine) updateNodeLastSeen(nodeID int) {
	m.mu.Lock()
	m.nodeLastSeen[nodeID] = time.Now()
	m.mu.Unlock()
}

func (m *Machine) peersAboveLocked(selfID int) []clusterdir.Node {
	higher := make([]clusterdir.Node, 0, len(m.peers))
	for _, p := range m.peers {
		if p.ID > selfID {
			higher = append(higher, p)
		}
	}
	return higher
}

func (m *Machine) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.IsLeader() {
				continue
			}
			for _, p := range m.peers {
				transport.SendUDP(p.UDPAddr(), transport.Frame{
					Type:      "HEARTBEAT",
					SenderID:  m.selfID,
					Timestamp: nowSeconds(),
				}, m.log)
			}
		}
	}
}

func (m *Machine) monitorLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			isFollower := m.state == Follower
			timedOut := isFollower && time.Since(m.lastHeartbeatReceived) > m.cfg.ElectionTimeout()
			if timedOut {
				m.lastHeartbeatReceived = time.Now()
			}
			m.mu.Unlock()

			if timedOut {
				m.log.Warn("leader heartbeat timed out, starting election")
				go m.StartElection()
			}
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
