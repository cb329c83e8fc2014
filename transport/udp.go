package transport

import (
	"errors"
	"net"
	"sync"

	"mqttsn/internal/invoker"
	"mqttsn/internal/log"
	"mqttsn/internal/types"
)

// maxDatagramSize is generous for MQTT-SN, whose frames are
// length-prefixed and rarely exceed a few hundred bytes even in the
// long-frame form.
const maxDatagramSize = 65507

// UDP is the one transport implementation carried directly on the
// standard library: MQTT-SN's reference transport is UDP, and no
// library in the surveyed corpus offers a UDP-specific abstraction
// worth adopting over net.PacketConn.
type UDP struct {
	conn    net.PacketConn
	log     log.Logger
	invoker invoker.Invoker

	producer chan Datagram

	mu      sync.RWMutex
	peers   map[types.PeerContext]net.Addr
	closeWg sync.WaitGroup
	closed  bool
}

// Listen opens a UDP socket at addr ("host:port", or ":port" to bind
// all interfaces) and starts polling it in the background.
func Listen(addr string, logger log.Logger, inv invoker.Invoker) (*UDP, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	u := &UDP{
		conn:     conn,
		log:      logger,
		invoker:  inv,
		producer: make(chan Datagram, 256),
		peers:    make(map[types.PeerContext]net.Addr),
	}
	u.closeWg.Add(1)
	u.invoker.Spawn(u.poll)
	return u, nil
}

// Register associates peer with a network address so Send can resolve
// it without a new DNS/address lookup. Callers normally learn peer's
// address from the Datagram a CONNECT arrived in.
func (u *UDP) Register(peer types.PeerContext, addr net.Addr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.peers[peer] = addr
}

func (u *UDP) Send(peer types.PeerContext, frame []byte) error {
	u.mu.RLock()
	addr, ok := u.peers[peer]
	u.mu.RUnlock()
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", peer.NetworkAddress)
		if err != nil {
			return err
		}
		addr = resolved
		u.mu.Lock()
		u.peers[peer] = addr
		u.mu.Unlock()
	}
	_, err := u.conn.WriteTo(frame, addr)
	return err
}

func (u *UDP) Listen() <-chan Datagram { return u.producer }

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	err := u.conn.Close()
	u.closeWg.Wait()
	close(u.producer)
	return err
}

func (u *UDP) poll() {
	defer u.closeWg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Warnf("udp transport read error: %v", err)
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		peer := u.peerFor(addr)
		u.producer <- Datagram{Peer: peer, Frame: frame}
	}
}

// peerFor resolves addr to the PeerContext it was last Registered
// under, or a transient one keyed purely by network address when the
// peer hasn't connected yet (e.g. a fresh CONNECT).
func (u *UDP) peerFor(addr net.Addr) types.PeerContext {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for peer, known := range u.peers {
		if known.String() == addr.String() {
			return peer
		}
	}
	return types.PeerContext{NetworkAddress: addr.String()}
}

var _ Transport = (*UDP)(nil)
