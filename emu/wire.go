package emu

// Wire is whatever the adapter's transmit side is plugged into. Transmit is
// called with a copy of each frame the adapter finished sending, without FCS.
type Wire interface {
	Transmit(frame []byte)
}

// WireFunc adapts a function to a Wire.
type WireFunc func(frame []byte)

func (f WireFunc) Transmit(frame []byte) { f(frame) }

// Discard drops every frame.
var Discard Wire = WireFunc(func([]byte) {})

// Loopback plugs the adapter into itself, so every frame sent is received.
func Loopback(a *Adapter) Wire {
	return WireFunc(func(frame []byte) {
		a.Receive(frame)
	})
}

// NewWireFromName returns the named wire for a.
func NewWireFromName(a *Adapter, name string) (Wire, bool) {
	switch name {
	case "", "loopback":
		return Loopback(a), true
	case "discard":
		return Discard, true
	}
	return nil, false
}
