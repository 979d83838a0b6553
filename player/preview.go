package player

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// PreviewMode counts open preview surfaces (the settings screen's live player
// preview). While the counter is positive the web refresh gate is forced
// open regardless of ride state or visibility.
type PreviewMode struct {
	mu    sync.Mutex
	count int
	subs  map[chan int]struct{}
}

func NewPreviewMode() *PreviewMode {
	return &PreviewMode{subs: map[chan int]struct{}{}}
}

func (p *PreviewMode) Enter() { p.add(1) }
func (p *PreviewMode) Exit()  { p.add(-1) }

func (p *PreviewMode) add(delta int) {
	p.mu.Lock()
	p.count += delta
	if p.count < 0 {
		p.count = 0
	}
	count := p.count

	log.Debugf("player preview mode count: %d", count)

	for ch := range p.subs {
		select {
		case ch <- count:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- count:
			default:
			}
		}
	}
	p.mu.Unlock()
}

func (p *PreviewMode) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Watch returns a latest-wins channel of counter values, starting with the
// current one.
func (p *PreviewMode) Watch(ctx context.Context) <-chan int {
	ch := make(chan int, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	ch <- p.count
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
