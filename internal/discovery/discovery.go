// Package discovery finds ldrop peers on the local network. Every node
// announces itself on a multicast group and answers queries; peers that stay
// silent for PeerTTL are forgotten.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"ldrop/internal/logging"
	"ldrop/internal/metrics"
)

const (
	Group    = "239.255.42.42"
	Port     = 9900
	Interval = 5 * time.Second
	PeerTTL  = 30 * time.Second

	msgAnnounce = "AN"
	msgQuery    = "QR"
	msgBye      = "BY"
)

// Peer is a node seen on the network.
type Peer struct {
	ID   string
	Name string
	Host string
	Port int
	Seen time.Time
}

// Addr returns host:port for dialing.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

type message struct {
	Type    string `json:"t"`
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Port    int    `json:"port,omitempty"`
	Version int    `json:"v,omitempty"`
}

// Discovery announces this node and tracks the others.
type Discovery struct {
	name    string
	id      string
	tcpPort int
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	peers map[string]Peer

	conn   *net.UDPConn
	group  *net.UDPAddr
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a discovery service for a node called name accepting
// transfers on tcpPort.
func New(name string, tcpPort int) *Discovery {
	return &Discovery{
		name:    name,
		id:      uuid.NewString(),
		tcpPort: tcpPort,
		log:     logging.L().Named("discovery"),
		now:     time.Now,
		peers:   make(map[string]Peer),
		group:   &net.UDPAddr{IP: net.ParseIP(Group), Port: Port},
	}
}

// Start joins the multicast group and begins announcing until ctx ends or
// Stop is called.
func (d *Discovery) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return fmt.Errorf("discovery: listen: %w", err)
	}
	d.conn = conn

	pc := ipv4.NewPacketConn(conn)
	if iface := bestInterface(); iface != nil {
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: d.group.IP}); err != nil {
			d.log.Debug("join group", zap.String("iface", iface.Name), zap.Error(err))
		}
	} else {
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: d.group.IP})
		}
	}
	pc.SetMulticastTTL(4)

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.announceLoop(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.readLoop(ctx)
	}()
	return nil
}

// bestInterface picks the first non-loopback interface that is up and has
// an address.
func bestInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if _, ok := addr.(*net.IPNet); ok {
				return &ifaces[i]
			}
		}
	}
	return nil
}

// Stop says goodbye and shuts the service down.
func (d *Discovery) Stop() {
	if d.conn == nil {
		return
	}
	d.send(message{Type: msgBye, ID: d.id})
	d.cancel()
	d.conn.Close()
	d.wg.Wait()
	d.conn = nil
}

// Peers returns the peers seen within PeerTTL, by name.
func (d *Discovery) Peers() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var out []Peer
	for id, p := range d.peers {
		if now.Sub(p.Seen) < PeerTTL {
			out = append(out, p)
		} else {
			delete(d.peers, id)
		}
	}
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.Name, b.Name) })
	metrics.SetPeersVisible(len(out))
	return out
}

// Find looks a peer up by name or address.
func (d *Discovery) Find(nameOrIP string) (Peer, bool) {
	for _, p := range d.Peers() {
		if p.Name == nameOrIP || p.Host == nameOrIP {
			return p, true
		}
	}
	return Peer{}, false
}

// Query asks every node to announce itself now.
func (d *Discovery) Query() {
	d.send(d.hello(msgQuery))
}

// Resolve waits up to wait for target to show up. When it does not, target
// is used as a host name and defaultPort is assumed unless it carries one.
func (d *Discovery) Resolve(ctx context.Context, target string, defaultPort int, wait time.Duration) (addr string, found bool) {
	d.Query()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		if p, ok := d.Find(target); ok {
			return p.Addr(), true
		}
		select {
		case <-ctx.Done():
			return fallback(target, defaultPort), false
		case <-deadline.C:
			return fallback(target, defaultPort), false
		case <-tick.C:
		}
	}
}

func fallback(target string, port int) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, strconv.Itoa(port))
}

func (d *Discovery) hello(t string) message {
	return message{Type: t, ID: d.id, Name: d.name, Port: d.tcpPort, Version: 2}
}

func (d *Discovery) send(msg message) {
	if d.conn == nil {
		return
	}
	data, _ := json.Marshal(msg)
	if _, err := d.conn.WriteTo(data, d.group); err != nil {
		d.log.Debug("send failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (d *Discovery) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	d.send(d.hello(msgAnnounce))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.send(d.hello(msgAnnounce))
		}
	}
}

func (d *Discovery) readLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		d.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := d.conn.ReadFrom(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			d.log.Debug("read failed", zap.Error(err))
			return
		}
		var msg message
		if json.Unmarshal(buf[:n], &msg) != nil {
			continue
		}
		if reply := d.handle(msg, src.(*net.UDPAddr).IP.String()); reply {
			d.send(d.hello(msgAnnounce))
		}
	}
}

// handle updates the peer table and reports whether msg asks for an answer.
func (d *Discovery) handle(msg message, srcIP string) bool {
	if msg.ID == "" || msg.ID == d.id {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch msg.Type {
	case msgBye:
		delete(d.peers, msg.ID)
		return false
	case msgAnnounce, msgQuery:
		name := msg.Name
		if name == "" {
			name = srcIP
		}
		port := msg.Port
		if port == 0 {
			port = Port
		}
		if _, known := d.peers[msg.ID]; !known {
			d.log.Debug("peer appeared", zap.String("name", name), zap.String("host", srcIP))
		}
		d.peers[msg.ID] = Peer{ID: msg.ID, Name: name, Host: srcIP, Port: port, Seen: d.now()}
		return msg.Type == msgQuery
	}
	return false
}
