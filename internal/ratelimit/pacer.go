package ratelimit

import (
	"math/rand"
	"sync"
	"time"

	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/transport"
)

// Batch delay modes reported by BatchDelay.
const (
	PaceNormal   = "normal"
	PaceSlowdown = "slowdown"
)

// Pacer produces the randomized batch sizes and delays used by bulk
// jobs so their traffic does not look mechanical.
type Pacer struct {
	cfg config.Pacing

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer returns a pacer seeded from the clock.
func NewPacer(cfg config.Pacing) *Pacer {
	return &Pacer{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Pacer) intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(n)
}

func (p *Pacer) uniform(lo, hi float64) time.Duration {
	p.mu.Lock()
	f := p.rng.Float64()
	p.mu.Unlock()
	return time.Duration((lo + f*(hi-lo)) * float64(time.Second))
}

// BatchSize picks a randomized batch size.
func (p *Pacer) BatchSize() int {
	if p.cfg.BatchMax <= p.cfg.BatchMin {
		return p.cfg.BatchMin
	}
	return p.cfg.BatchMin + p.intn(p.cfg.BatchMax-p.cfg.BatchMin+1)
}

// ItemDelay picks the pause between items in one batch.
func (p *Pacer) ItemDelay() time.Duration {
	return p.uniform(p.cfg.ItemDelayMinSec, p.cfg.ItemDelayMaxSec)
}

// BatchDelay picks the pause after a batch. When the observed success
// rate drops below half, the delay is stretched by the slowdown factor.
func (p *Pacer) BatchDelay(successRate float64, processed int) (time.Duration, string) {
	d := p.uniform(p.cfg.BatchDelayMinSec, p.cfg.BatchDelayMaxSec)
	if processed > 0 && successRate < 0.5 {
		return time.Duration(float64(d) * p.cfg.SlowdownFactor), PaceSlowdown
	}
	return d, PaceNormal
}

// FloodPause returns how long to back off for err. Server cooldowns
// are honored as given; anything else that smells like flood pressure
// gets the generic pause.
func (p *Pacer) FloodPause(err error) time.Duration {
	if wait, ok := transport.AsFloodWait(err); ok {
		return wait
	}
	return time.Duration(p.cfg.GenericFloodSec) * time.Second
}
