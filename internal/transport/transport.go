// Package transport carries framed message traffic between cluster nodes
// over TCP (reliable unicast) and UDP (fire-and-forget heartbeats), and
// dispatches inbound frames to registered handlers by message type.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Channel identifies which socket a handler is registered against.
type Channel int

const (
	TCP Channel = iota
	UDP
)

// Frame is the wire format shared by every message type the core exchanges.
// Ts is only meaningful on MUTEX_REQUEST frames, where it carries the
// requester's logical request timestamp, and on MUTEX_REPLY frames, which
// echo that timestamp back; it is otherwise left at zero.
type Frame struct {
	Type     string  `json:"type"`
	SenderID int     `json:"sender_id"`
	Timestamp float64 `json:"timestamp"`
	Ts       float64 `json:"ts,omitempty"`
}

const (
	maxTCPFrame = 4 * 1024
	maxUDPFrame = 1 * 1024
)

// Handler processes one inbound frame. A TCP handler's returned frame (if
// non-nil) is written back on the same connection; a UDP handler's return
// value is ignored by the transport.
type Handler func(Frame) *Frame

// Transport owns the listening sockets for a single node and routes inbound
// frames to whatever component registered for that message type.
type Transport struct {
	tcpAddr string
	udpAddr string
	log     *logrus.Entry

	tcpListener net.Listener
	udpConn     *net.UDPConn

	handlers map[Channel]map[string]Handler

	stopCh chan struct{}
}

// New builds a Transport bound to the given TCP and UDP listen addresses
// (host:port form). Neither socket is opened until Start is called.
func New(tcpAddr, udpAddr string, log *logrus.Entry) *Transport {
	return &Transport{
		tcpAddr:  tcpAddr,
		udpAddr:  udpAddr,
		log:      log,
		handlers: map[Channel]map[string]Handler{TCP: {}, UDP: {}},
		stopCh:   make(chan struct{}),
	}
}

// Register binds handler to the given (channel, message type) pair. Must be
// called before Start; the transport is not safe to reconfigure while running.
func (t *Transport) Register(ch Channel, msgType string, h Handler) {
	t.handlers[ch][msgType] = h
}

// Start opens the TCP and UDP listeners and begins accepting traffic in
// background goroutines. Returns once both sockets are bound.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.tcpAddr)
	if err != nil {
		return fmt.Errorf("transport: tcp listen %s: %w", t.tcpAddr, err)
	}
	t.tcpListener = ln

	udpLocal, err := net.ResolveUDPAddr("udp", t.udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("transport: resolve udp %s: %w", t.udpAddr, err)
	}
	uc, err := net.ListenUDP("udp", udpLocal)
	if err != nil {
		ln.Close()
		return fmt.Errorf("transport: udp listen %s: %w", t.udpAddr, err)
	}
	t.udpConn = uc

	go t.acceptTCP()
	go t.receiveUDP()
	return nil
}

// Stop closes both listening sockets, unblocking the accept/receive loops.
func (t *Transport) Stop() {
	select {
	case <-t.stopCh:
		return
	default:
	}
	close(t.stopCh)
	if t.tcpListener != nil {
		t.tcpListener.Close()
	}
	if t.udpConn != nil {
		t.udpConn.Close()
	}
}

func (t *Transport) acceptTCP() {
	for {
		conn, err := t.tcpListener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.WithError(err).Warn("transport: tcp accept failed")
				return
			}
		}
		go t.handleTCPConn(conn)
	}
}

func (t *Transport) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	reader := bufio.NewReaderSize(conn, maxTCPFrame)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		t.log.WithError(err).Debug("transport: malformed tcp frame, dropping connection")
		return
	}

	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		t.log.WithError(err).Warn("transport: malformed tcp frame, ignoring")
		return
	}

	handler, ok := t.handlers[TCP][f.Type]
	if !ok {
		t.log.WithField("type", f.Type).Warn("transport: unknown message type, ignoring")
		return
	}

	resp := handler(f)
	if resp == nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		t.log.WithError(err).Warn("transport: failed to encode response frame")
		return
	}
	payload = append(payload, '\n')
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		t.log.WithError(err).Debug("transport: failed to write response frame")
	}
}

func (t *Transport) receiveUDP() {
	buf := make([]byte, maxUDPFrame)
	for {
		n, _, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.WithError(err).Warn("transport: udp read failed")
				return
			}
		}
		var f Frame
		if err := json.Unmarshal(buf[:n], &f); err != nil {
			t.log.WithError(err).Warn("transport: malformed udp datagram, ignoring")
			continue
		}
		handler, ok := t.handlers[UDP][f.Type]
		if !ok {
			t.log.WithField("type", f.Type).Warn("transport: unknown udp message type, ignoring")
			continue
		}
		handler(f)
	}
}

// SendTCP opens a connection to addr, writes one frame, optionally reads one
// response frame, then closes. It never returns an error to the caller,
// treating every send as best-effort: a failed dial, encode or write yields
// (nil, false), and a sent frame with no readable response yields
// (nil, true). The bool return reports whether the send itself succeeded
// (useful to callers like the mutex that must distinguish "no reply" from
// "could not even dial").
func SendTCP(addr string, f Frame, timeout time.Duration) (*Frame, bool) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, false
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, false
	}

	reader := bufio.NewReaderSize(conn, maxTCPFrame)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, true
		}
	}
	var resp Frame
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, true
	}
	return &resp, true
}

// SendUDP fires a single datagram at addr. Failures are logged by the
// caller-supplied logger, never returned: heartbeats are fire-and-forget.
func SendUDP(addr string, f Frame, log *logrus.Entry) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		log.WithError(err).Debug("transport: udp dial failed")
		return
	}
	defer conn.Close()
	payload, err := json.Marshal(f)
	if err != nil {
		log.WithError(err).Warn("transport: failed to encode udp frame")
		return
	}
	if _, err := conn.Write(payload); err != nil {
		log.WithError(err).Debug("transport: udp write failed")
	}
}
