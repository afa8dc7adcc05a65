// Command meshnoised runs a single mesh-noise router node: it loads (or
// bootstraps) this node's identity and Auth Table from its configuration
// file, binds a UDP socket, and drives the Session Registry's Ingress
// Dispatcher against whatever arrives on it.
//
// Grounded on the teacher's src/main.go (signal-driven context cancellation
// around a long-running server loop) and its UDP transport worker
// (infrastructure/routing/server_routing/routing/udp_chacha20/worker.go's
// HandleTransport, the ListenUDP/ReadMsgUDPAddrPort read loop this glue
// adapts from a per-client session table to the single shared Registry).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"meshnoise/internal/buffer"
	"meshnoise/internal/config"
	"meshnoise/internal/obslog"
	"meshnoise/internal/registry"
)

func main() {
	if err := run(); err != nil {
		obslog.Default.Errorf("meshnoised: %v", err)
		os.Exit(1)
	}
}

func run() error {
	mgr := config.NewManager(config.NewResolver())
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	priv, pub, err := config.Identity(cfg)
	if err != nil {
		return fmt.Errorf("decode identity: %w", err)
	}

	reg, err := registry.New(priv, pub, cfg.HandshakeThreshold, cfg.RequireAuth)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	for _, u := range cfg.Users {
		login := u.Login
		var restricted *[16]byte
		if u.RestrictedIP6 != "" {
			addr, err := parseMeshAddress(u.RestrictedIP6)
			if err != nil {
				return fmt.Errorf("user %q: %w", u.Login, err)
			}
			restricted = &addr
		}
		reg.Auth().AddUser([]byte(u.Password), &login, restricted)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve listen address %q: %w", cfg.ListenAddress, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp %q: %w", cfg.ListenAddress, err)
	}
	defer func() { _ = conn.Close() }()
	obslog.Default.Infof("meshnoised: listening on %s, pubkey=%x", cfg.ListenAddress, pub.Bytes())

	peers := newPeerTable()
	reg.SetReplySink(func(peerAddr [16]byte, buf []byte) error {
		dst, ok := peers.lookup(peerAddr)
		if !ok {
			return fmt.Errorf("no known UDP address for peer %x", peerAddr)
		}
		_, err := conn.WriteToUDPAddrPort(buf, dst)
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		obslog.Default.Infof("meshnoised: shutting down")
		cancel()
		_ = conn.Close()
	}()

	go tickLoop(ctx, reg)

	return readLoop(ctx, conn, reg, peers, cfg.ScratchBufferSize)
}

// readLoop drains UDP datagrams and hands each one to the registry's
// Ingress Dispatcher, keyed by the sender's address as this node's stand-in
// mesh address — a real cjdns-style deployment derives mesh addresses from
// routed mesh traffic rather than the UDP socket's own peer address, which
// is out of scope for this glue binary.
func readLoop(ctx context.Context, conn *net.UDPConn, reg *registry.Registry, peers *peerTable, bufSize int) error {
	raw := make([]byte, bufSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, srcAddr, err := conn.ReadFromUDPAddrPort(raw)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			obslog.Default.Debugf("meshnoised: read error: %v", err)
			continue
		}

		peerAddr := srcAddr.Addr().As16()
		peers.record(peerAddr, srcAddr)

		// Borrow a pooled scratch buffer for the copy HandleIngress needs
		// (raw is reused by the next ReadFromUDPAddrPort), instead of a
		// fresh allocation per packet.
		pkt := buffer.Get()
		pkt.Set(raw[:n])
		if err := reg.HandleIngress(peerAddr, pkt.Bytes()); err != nil {
			obslog.Default.Debugf("meshnoised: ingress from %s rejected: %v", srcAddr, err)
		}
		buffer.Put(pkt)
	}
}

// tickLoop drives every registered session's periodic bookkeeping
// (keepalives, handshake-timer housekeeping) once a second.
func tickLoop(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range reg.Sessions() {
				out, err := s.Tick()
				if err != nil {
					obslog.Default.Debugf("meshnoised: session %d tick: %v", s.ID(), err)
					continue
				}
				if out == nil {
					continue
				}
				if err := s.SendCiphertext(out); err != nil {
					obslog.Default.Debugf("meshnoised: session %d tick send: %v", s.ID(), err)
				}
			}
		}
	}
}

// peerTable remembers the most recently observed UDP address for each
// [16]byte peer key, so the reply sink knows where to send a cookie reply
// or handshake response that has no session (and therefore no ciphertext
// endpoint) to flow through yet.
type peerTable struct {
	mu     sync.RWMutex
	byPeer map[[16]byte]netip.AddrPort
}

func newPeerTable() *peerTable {
	return &peerTable{byPeer: make(map[[16]byte]netip.AddrPort)}
}

func (p *peerTable) record(peerAddr [16]byte, addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byPeer[peerAddr] = addr
}

func (p *peerTable) lookup(peerAddr [16]byte) (netip.AddrPort, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	addr, ok := p.byPeer[peerAddr]
	return addr, ok
}

func parseMeshAddress(s string) ([16]byte, error) {
	var out [16]byte
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("mesh address %q: %w", s, err)
	}
	if len(decoded) != 16 {
		return out, fmt.Errorf("mesh address %q must be 32 hex characters", s)
	}
	copy(out[:], decoded)
	return out, nil
}
