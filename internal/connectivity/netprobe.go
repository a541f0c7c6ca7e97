package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pulsegrid/relink/internal/observability"
	"github.com/pulsegrid/relink/internal/schema"
)

// PathHints reports OS-level path qualities the dial probe cannot observe
// itself (metered link, low-data mode). Optional.
type PathHints func() (expensive, constrained bool)

// DialProbeConfig configures the reachability probe.
type DialProbeConfig struct {
	Target      string
	Interval    time.Duration
	DialTimeout time.Duration
	Hints       PathHints
}

func (c DialProbeConfig) normalize() DialProbeConfig {
	if c.Target == "" {
		c.Target = "1.1.1.1:443"
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// DialProbe observes internet reachability by periodically dialing a
// well-known target. Only true transitions publish intents; a steady
// state never produces redundant snapshots.
type DialProbe struct {
	cfg       DialProbeConfig
	publisher *Publisher

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu          sync.Mutex
	available   bool
	expensive   bool
	constrained bool
	probed      bool
}

// NewDialProbe constructs the probe. Start must be called to begin probing.
func NewDialProbe(cfg DialProbeConfig, publisher *Publisher) *DialProbe {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	p := new(DialProbe)
	p.cfg = cfg
	p.publisher = publisher
	p.ctx = ctx
	p.cancel = cancel
	return p
}

// Start launches the probe loop in a background goroutine.
func (p *DialProbe) Start() {
	go p.loop()
}

// Stop terminates the probe loop.
func (p *DialProbe) Stop() {
	p.once.Do(p.cancel)
}

// IsInternetAvailable returns the last observed reachability.
func (p *DialProbe) IsInternetAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// IsExpensive reports whether the current path is metered.
func (p *DialProbe) IsExpensive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expensive
}

// IsConstrained reports whether the current path is in low-data mode.
func (p *DialProbe) IsConstrained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.constrained
}

func (p *DialProbe) loop() {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.check()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.check()
		}
	}
}

// check dials the target once and publishes an intent only when the
// observed reachability changed.
func (p *DialProbe) check() {
	available := p.dial()

	var expensive, constrained bool
	if p.cfg.Hints != nil {
		expensive, constrained = p.cfg.Hints()
	}

	p.mu.Lock()
	changed := !p.probed || available != p.available
	first := !p.probed
	p.probed = true
	p.available = available
	p.expensive = expensive
	p.constrained = constrained
	p.mu.Unlock()

	if !changed {
		return
	}
	// The very first observation of an available path is the baseline,
	// not a recovery.
	if first && available {
		return
	}

	if available {
		observability.Log().Info("netprobe: internet recovered",
			observability.Field{Key: "target", Value: p.cfg.Target})
		p.publisher.Publish(schema.InternetRecoveredIntent())
	} else {
		observability.Log().Info("netprobe: internet lost",
			observability.Field{Key: "target", Value: p.cfg.Target})
		p.publisher.Publish(schema.InternetLostIntent())
	}
}

func (p *DialProbe) dial() bool {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	conn, err := dialer.DialContext(p.ctx, "tcp", p.cfg.Target)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
