// Package player contains the backend selector, the adaptive refresh
// scheduler, the progress ticker and the auto-volume controller.
package player

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/config"
	"github.com/spintunes/go-spintunes/local"
	"github.com/spintunes/go-spintunes/webapi"
)

// Backend identifies which client is authoritative.
type Backend int

const (
	BackendWeb Backend = iota
	BackendLocal
)

func (b Backend) String() string {
	if b == BackendLocal {
		return "local"
	}
	return "web"
}

// Provider selects the active backend from the prefer-local setting and the
// live connection health of the local remote. Callers access clients only
// through the provider, never hold one directly.
type Provider struct {
	web      *webapi.Client
	local    *local.Client
	settings *config.Store

	mu     sync.Mutex
	active Backend
	subs   map[chan Backend]struct{}
}

func NewProvider(web *webapi.Client, localClient *local.Client, settings *config.Store) *Provider {
	return &Provider{
		web:      web,
		local:    localClient,
		settings: settings,
		active:   BackendWeb,
		subs:     map[chan Backend]struct{}{},
	}
}

// Active returns the currently authoritative backend.
func (p *Provider) Active() Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// ActiveClient returns the authoritative client.
func (p *Provider) ActiveClient() spintunes.Client {
	if p.Active() == BackendLocal {
		return p.local
	}
	return p.web
}

func (p *Provider) Web() *webapi.Client  { return p.web }
func (p *Provider) Local() *local.Client { return p.local }
func (p *Provider) IsLocal() bool        { return p.Active() == BackendLocal }

// Watch returns a deduplicated channel of backend transitions, starting with
// the current value. Redundant notifications are suppressed because every
// switch restarts the refresh schedule downstream.
func (p *Provider) Watch(ctx context.Context) <-chan Backend {
	ch := make(chan Backend, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	ch <- p.active
	p.mu.Unlock()

	go func() {
		<-ctx.Done()

		p.mu.Lock()
		delete(p.subs, ch)
		close(ch)
		p.mu.Unlock()
	}()

	return ch
}

// Run follows the setting and health signals, recomputing the active backend.
// Switching away from Local best-effort disconnects it before the new backend
// is announced; switching away from Web needs no teardown.
func (p *Provider) Run(ctx context.Context) {
	settingsCh := p.settings.Watch(ctx)
	healthCh := p.local.HealthWatch(ctx)

	preferLocal := p.settings.Get().PreferLocal
	health := p.local.Health()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-settingsCh:
			if !ok {
				return
			}
			preferLocal = s.PreferLocal
		case h, ok := <-healthCh:
			if !ok {
				return
			}
			health = h
		}

		next := BackendWeb
		if preferLocal && health.State == local.HealthConnected {
			next = BackendLocal
		}

		p.publish(next)
	}
}

func (p *Provider) publish(next Backend) {
	p.mu.Lock()
	if p.active == next {
		p.mu.Unlock()
		return
	}

	prev := p.active
	p.active = next
	p.mu.Unlock()

	if prev == BackendLocal {
		if err := p.local.Disconnect(); err != nil {
			log.WithError(err).Warnf("failed disconnecting local client on backend switch")
		}
	}

	log.Infof("active backend switched from %s to %s", prev, next)

	p.mu.Lock()
	for ch := range p.subs {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	p.mu.Unlock()
}
