// Package poller keeps the state table in step with the vendor by polling.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/fleetd/internal/govee"
	"github.com/dokzlo13/fleetd/internal/registry"
	"github.com/dokzlo13/fleetd/internal/state"
)

// StateReader reads the vendor state of one device or group.
type StateReader interface {
	GetDeviceState(ctx context.Context, device, sku string) (*govee.DeviceState, error)
}

// Topology lists what to poll.
type Topology interface {
	Groups() []registry.Group
	Standalone() []registry.Device
	Group(id string) (registry.Group, bool)
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Polled   int
	Failed   int
	Duration time.Duration
	// AuthErr is set when any read failed for lack of a valid session.
	AuthErr error
}

// Options configures a Poller.
type Options struct {
	Interval      time.Duration
	ChildDelay    time.Duration
	Concurrency   int
	EagerChildren bool
	OnCycle       func(CycleResult)
}

// Poller polls every group and standalone device on a fixed interval.
// Child devices are read lazily, once per group per session.
type Poller struct {
	client StateReader
	topo   Topology
	states *state.Table
	opts   Options

	trigger chan struct{}
	visible chan bool
	visMu   sync.Mutex

	mu          sync.Mutex
	childLoaded map[string]bool

	wg sync.WaitGroup
}

// New creates a poller.
func New(client StateReader, topo Topology, states *state.Table, opts Options) *Poller {
	if opts.Interval == 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	return &Poller{
		client:      client,
		topo:        topo,
		states:      states,
		opts:        opts,
		trigger:     make(chan struct{}, 1),
		visible:     make(chan bool, 1),
		childLoaded: make(map[string]bool),
	}
}

// Trigger requests an immediate cycle. Requests made while one is queued are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// SetVisible pauses (false) or resumes (true) polling. Resuming polls at once
// and restarts the interval. Only the latest value matters.
func (p *Poller) SetVisible(v bool) {
	p.visMu.Lock()
	defer p.visMu.Unlock()

	select {
	case <-p.visible:
	default:
	}
	p.visible <- v
}

// Run polls immediately and then every interval until ctx is done.
// The loop owns the timer, so cycles never overlap.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", p.opts.Interval).
		Int("concurrency", p.opts.Concurrency).
		Bool("eager_children", p.opts.EagerChildren).
		Msg("Poller started")

	p.runCycle(ctx)
	if p.opts.EagerChildren {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loadAllChildren(ctx)
		}()
	}

	timer := time.NewTimer(p.opts.Interval)
	defer timer.Stop()
	visible := true

	for {
		var tick <-chan time.Time
		if visible {
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			p.wg.Wait()
			log.Info().Msg("Poller stopping")
			return nil
		case <-tick:
			p.runCycle(ctx)
			timer.Reset(p.opts.Interval)
		case <-p.trigger:
			if !visible {
				continue
			}
			p.runCycle(ctx)
			timer.Reset(p.opts.Interval)
		case v := <-p.visible:
			if v == visible {
				continue
			}
			visible = v
			if !visible {
				timer.Stop()
				log.Debug().Msg("Polling paused")
				continue
			}
			log.Debug().Msg("Polling resumed")
			p.runCycle(ctx)
			timer.Reset(p.opts.Interval)
		}
	}
}

func (p *Poller) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res := p.PollOnce(ctx)
	log.Debug().
		Int("polled", res.Polled).
		Int("failed", res.Failed).
		Dur("took", res.Duration).
		Msg("Poll cycle completed")
	if p.opts.OnCycle != nil {
		p.opts.OnCycle(res)
	}
}

// PollOnce reads every group and standalone device in parallel. A failed read
// marks its target disconnected and keeps its previous values.
func (p *Poller) PollOnce(ctx context.Context) CycleResult {
	start := time.Now()

	type job struct{ id, sku string }
	var jobs []job
	for _, g := range p.topo.Groups() {
		jobs = append(jobs, job{g.ID, g.SKU})
	}
	for _, d := range p.topo.Standalone() {
		jobs = append(jobs, job{d.ID, d.SKU})
	}

	var polled, failed int32
	var authOnce sync.Once
	var authErr error

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			if err := p.pollTarget(ctx, j.id, j.sku); err != nil {
				atomic.AddInt32(&failed, 1)
				if govee.IsAuth(err) {
					authOnce.Do(func() { authErr = err })
				}
				return nil
			}
			atomic.AddInt32(&polled, 1)
			return nil
		})
	}
	g.Wait()

	return CycleResult{
		Polled:   int(polled),
		Failed:   int(failed),
		Duration: time.Since(start),
		AuthErr:  authErr,
	}
}

func (p *Poller) pollTarget(ctx context.Context, id, sku string) error {
	ds, err := p.client.GetDeviceState(ctx, id, sku)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.states.Apply(id, state.PollFailed{})
		log.Debug().Err(err).Str("target", id).Msg("Poll failed")
		return err
	}
	p.states.Apply(id, state.Polled{Observed: ds.Observed()})
	return nil
}

// LoadChildren reads the state of every child of a group, one at a time with
// ChildDelay between reads. It runs at most once per group until ResetChildren;
// repeated calls return 0 and no error.
func (p *Poller) LoadChildren(ctx context.Context, groupID string) (int, error) {
	g, ok := p.topo.Group(groupID)
	if !ok {
		return 0, fmt.Errorf("group %q not found", groupID)
	}

	p.mu.Lock()
	if p.childLoaded[groupID] {
		p.mu.Unlock()
		return 0, nil
	}
	p.childLoaded[groupID] = true
	p.mu.Unlock()

	loaded := 0
	for i, child := range g.Children {
		if i > 0 && p.opts.ChildDelay > 0 {
			select {
			case <-ctx.Done():
				p.unmark(groupID)
				return loaded, ctx.Err()
			case <-time.After(p.opts.ChildDelay):
			}
		}
		if err := p.pollTarget(ctx, child.ID, child.SKU); err != nil {
			if ctx.Err() != nil {
				p.unmark(groupID)
				return loaded, ctx.Err()
			}
			if govee.IsAuth(err) {
				p.unmark(groupID)
				return loaded, err
			}
			continue
		}
		loaded++
	}

	log.Debug().Str("group", groupID).Int("children", len(g.Children)).Int("loaded", loaded).Msg("Child states loaded")
	return loaded, nil
}

// ReloadChildren forgets that a group's children were loaded and loads them again.
func (p *Poller) ReloadChildren(ctx context.Context, groupID string) (int, error) {
	p.unmark(groupID)
	return p.LoadChildren(ctx, groupID)
}

// ResetChildren forgets every child-load marker, e.g. after a topology reload.
func (p *Poller) ResetChildren() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.childLoaded = make(map[string]bool)
}

func (p *Poller) unmark(groupID string) {
	p.mu.Lock()
	delete(p.childLoaded, groupID)
	p.mu.Unlock()
}

func (p *Poller) loadAllChildren(ctx context.Context) {
	for _, g := range p.topo.Groups() {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.LoadChildren(ctx, g.ID); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("group", g.ID).Msg("Failed to load child states")
		}
	}
}
