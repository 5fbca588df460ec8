package events

import (
	"context"
	"strings"
	"sync"
)

// InProc is an in-process PubSub. Tests and single-node setups use it in
// place of Redis; delivery is synchronous.
type InProc struct {
	mu   sync.RWMutex
	next int
	subs map[int]*inprocSub
}

type inprocSub struct {
	pattern string
	handler func(channel string, payload []byte)
}

func NewInProc() *InProc {
	return &InProc{subs: make(map[int]*inprocSub)}
}

func (p *InProc) Publish(_ context.Context, channel string, message []byte) error {
	p.mu.RLock()
	var matched []*inprocSub
	for _, s := range p.subs {
		if matchPattern(s.pattern, channel) {
			matched = append(matched, s)
		}
	}
	p.mu.RUnlock()

	for _, s := range matched {
		s.handler(channel, message)
	}
	return nil
}

func (p *InProc) PSubscribe(_ context.Context, pattern string, handler func(channel string, payload []byte)) (func(), error) {
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = &inprocSub{pattern: pattern, handler: handler}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}, nil
}

// matchPattern supports the single trailing-star form the bus uses.
func matchPattern(pattern, channel string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}
