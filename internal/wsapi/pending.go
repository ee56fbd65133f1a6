package wsapi

import (
	"sync"

	"github.com/rickgao/binance-stream/internal/connection"
)

type result struct {
	msg connection.Message
	err error
}

type slot struct {
	ch        chan result
	onResolve func(connection.Message) // runs on the read goroutine before delivery
}

// pendingTable maps correlation ids to single-use result slots.
type pendingTable struct {
	mu     sync.Mutex
	slots  map[string]*slot
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]*slot)}
}

// register reserves id. The returned release func must be called on every path.
func (p *pendingTable) register(id string, onResolve func(connection.Message)) (<-chan result, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return nil, nil, p.closed
	}
	if _, ok := p.slots[id]; ok {
		return nil, nil, ErrDuplicateID
	}

	s := &slot{ch: make(chan result, 1), onResolve: onResolve}
	p.slots[id] = s

	release := func() {
		p.mu.Lock()
		if p.slots[id] == s {
			delete(p.slots, id)
		}
		p.mu.Unlock()
	}
	return s.ch, release, nil
}

// resolve delivers msg to the waiter for id. Returns false if nobody waits.
func (p *pendingTable) resolve(id string, msg connection.Message) bool {
	p.mu.Lock()
	s, ok := p.slots[id]
	if ok {
		delete(p.slots, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	if s.onResolve != nil {
		s.onResolve(msg)
	}
	s.ch <- result{msg: msg}
	return true
}

// close fails every waiter with err and rejects later registrations.
func (p *pendingTable) close(err error) int {
	p.mu.Lock()
	p.closed = err
	slots := p.slots
	p.slots = make(map[string]*slot)
	p.mu.Unlock()

	for _, s := range slots {
		s.ch <- result{err: err}
	}
	return len(slots)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
