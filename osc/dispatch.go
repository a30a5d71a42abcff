package osc

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Dispatcher routes messages to handlers registered for an exact address
// pattern. There is no wildcard matching.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]PacketHandler
	fallback PacketHandler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]PacketHandler)}
}

// ValidateAddress checks that address is usable as a method address: it must
// start with '/' and contain none of the OSC pattern characters.
func ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "/") {
		return errors.Errorf("osc: address %q does not start with '/'", address)
	}
	if strings.ContainsAny(address, "*?,[]{}# ") {
		return errors.Errorf("osc: address %q may not contain any of \"*?,[]{}# \"", address)
	}
	return nil
}

// AddMsgHandler registers h for address. Registering the same address twice
// is an error.
func (d *Dispatcher) AddMsgHandler(address string, h PacketHandler) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[address]; ok {
		return errors.Errorf("osc: address %q exists already", address)
	}
	d.handlers[address] = h
	return nil
}

// AddMsgHandlerFunc is AddMsgHandler for a plain function.
func (d *Dispatcher) AddMsgHandlerFunc(address string, f func(*Message)) error {
	return d.AddMsgHandler(address, HandlerFunc(f))
}

// RemoveMsgHandler removes the handler for address, if any.
func (d *Dispatcher) RemoveMsgHandler(address string) {
	d.mu.Lock()
	delete(d.handlers, address)
	d.mu.Unlock()
}

// SetFallback sets the handler for messages no other handler matches.
func (d *Dispatcher) SetFallback(h PacketHandler) {
	d.mu.Lock()
	d.fallback = h
	d.mu.Unlock()
}

// OnMessage implements PacketHandler.
func (d *Dispatcher) OnMessage(msg *Message) {
	d.mu.RLock()
	h, ok := d.handlers[msg.AddressPattern()]
	if !ok {
		h = d.fallback
	}
	d.mu.RUnlock()
	if h != nil {
		h.OnMessage(msg)
	}
}
