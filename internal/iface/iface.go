// Package iface provides the plaintext/ciphertext endpoint pair a Session
// hands packets to and receives them from, the "interface factory"
// collaborator spec.md §6 treats as external. Modeled on the teacher's
// connection.Transport (Write/Read/Close) style, narrowed to the
// push-style receiver callback spec.md's ifaces()/set_receiver contract
// actually needs instead of a blocking Read.
package iface

import "sync"

// Iface is the receiving half of an endpoint: callers install a handler
// that is invoked with each packet delivered to this side.
type Iface struct {
	name string

	mu      sync.RWMutex
	handler func([]byte)
}

// Pvt is the sending half of the same endpoint pair.
type Pvt struct {
	iface *Iface
}

// New creates a connected Iface/Pvt pair named name, the shape spec.md §6's
// interface factory's new(name) returns.
func New(name string) (*Iface, *Pvt) {
	i := &Iface{name: name}
	return i, &Pvt{iface: i}
}

// Name returns the name this pair was created with.
func (i *Iface) Name() string { return i.name }

// SetReceiver installs handler as the callback invoked on every Send
// through the paired Pvt. Replaces any previously installed handler.
func (i *Iface) SetReceiver(handler func([]byte)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handler = handler
}

// Send delivers msg to the paired Iface's installed receiver, if any. A
// message delivered before SetReceiver is called is silently dropped,
// matching a fire-and-forget push interface with no backing queue.
func (p *Pvt) Send(msg []byte) error {
	p.iface.mu.RLock()
	handler := p.iface.handler
	p.iface.mu.RUnlock()

	if handler != nil {
		handler(msg)
	}
	return nil
}
