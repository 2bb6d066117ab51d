package out

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	syncout "flowsync/internal/modules/sync/port/out"
)

// StaticNetwork is a connectivity source that changes only when Set is
// called.
type StaticNetwork struct {
	mu       sync.Mutex
	online   bool
	watchers map[int]func(bool)
	nextID   int
}

func NewStaticNetwork(online bool) *StaticNetwork {
	return &StaticNetwork{online: online, watchers: map[int]func(bool){}}
}

var _ syncout.Network = (*StaticNetwork)(nil)

func (n *StaticNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *StaticNetwork) Watch(fn func(bool)) func() {
	n.mu.Lock()
	n.nextID++
	key := n.nextID
	n.watchers[key] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.watchers, key)
		n.mu.Unlock()
	}
}

// Set changes connectivity and notifies watchers on a transition.
func (n *StaticNetwork) Set(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	keys := make([]int, 0, len(n.watchers))
	for key := range n.watchers {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	fns := make([]func(bool), 0, len(keys))
	for _, key := range keys {
		fns = append(fns, n.watchers[key])
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// ProbeNetwork dials a TCP address on an interval and reports reachability.
type ProbeNetwork struct {
	*StaticNetwork
	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewProbeNetwork(addr string, interval time.Duration, logger zerolog.Logger) *ProbeNetwork {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	dialer := &net.Dialer{}
	p := &ProbeNetwork{
		addr:     addr,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger,
		dial:     dialer.DialContext,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.StaticNetwork = NewStaticNetwork(p.probe())
	go p.run()
	return p
}

func (p *ProbeNetwork) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			online := p.probe()
			if online != p.Online() {
				p.logger.Info().Str("addr", p.addr).Bool("online", online).Msg("connectivity changed")
			}
			p.Set(online)
		}
	}
}

func (p *ProbeNetwork) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (p *ProbeNetwork) Close() error {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
	return nil
}
