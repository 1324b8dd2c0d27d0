package ring

import "sync/atomic"

// Stats holds the interface counters. Fields are updated from interrupt
// context and may be read at any time; a snapshot is advisory.
type Stats struct {
	RxPackets atomic.Uint64
	TxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxBytes   atomic.Uint64

	TxErrors   atomic.Uint64
	TxAborted  atomic.Uint64
	TxFifo     atomic.Uint64
	TxWindow   atomic.Uint64
	TxCarrier  atomic.Uint64
	Collisions atomic.Uint64

	RxErrors  atomic.Uint64
	RxCRC     atomic.Uint64
	RxFrame   atomic.Uint64
	RxLength  atomic.Uint64
	RxOver    atomic.Uint64
	RxFifo    atomic.Uint64
	RxMissed  atomic.Uint64
	RxDropped atomic.Uint64
}

// Counters is a point in time copy of Stats.
type Counters struct {
	RxPackets uint64 `yaml:"rx_packets"`
	TxPackets uint64 `yaml:"tx_packets"`
	RxBytes   uint64 `yaml:"rx_bytes"`
	TxBytes   uint64 `yaml:"tx_bytes"`

	TxErrors   uint64 `yaml:"tx_errors"`
	TxAborted  uint64 `yaml:"tx_aborted_errors"`
	TxFifo     uint64 `yaml:"tx_fifo_errors"`
	TxWindow   uint64 `yaml:"tx_window_errors"`
	TxCarrier  uint64 `yaml:"tx_carrier_errors"`
	Collisions uint64 `yaml:"collisions"`

	RxErrors  uint64 `yaml:"rx_errors"`
	RxCRC     uint64 `yaml:"rx_crc_errors"`
	RxFrame   uint64 `yaml:"rx_frame_errors"`
	RxLength  uint64 `yaml:"rx_length_errors"`
	RxOver    uint64 `yaml:"rx_over_errors"`
	RxFifo    uint64 `yaml:"rx_fifo_errors"`
	RxMissed  uint64 `yaml:"rx_missed_errors"`
	RxDropped uint64 `yaml:"rx_dropped"`
}

type counterField struct {
	name string
	s    func(*Stats) *atomic.Uint64
	c    func(*Counters) *uint64
}

var counterFields = []counterField{
	{"rx_packets", func(s *Stats) *atomic.Uint64 { return &s.RxPackets }, func(c *Counters) *uint64 { return &c.RxPackets }},
	{"tx_packets", func(s *Stats) *atomic.Uint64 { return &s.TxPackets }, func(c *Counters) *uint64 { return &c.TxPackets }},
	{"rx_bytes", func(s *Stats) *atomic.Uint64 { return &s.RxBytes }, func(c *Counters) *uint64 { return &c.RxBytes }},
	{"tx_bytes", func(s *Stats) *atomic.Uint64 { return &s.TxBytes }, func(c *Counters) *uint64 { return &c.TxBytes }},
	{"tx_errors", func(s *Stats) *atomic.Uint64 { return &s.TxErrors }, func(c *Counters) *uint64 { return &c.TxErrors }},
	{"tx_aborted_errors", func(s *Stats) *atomic.Uint64 { return &s.TxAborted }, func(c *Counters) *uint64 { return &c.TxAborted }},
	{"tx_fifo_errors", func(s *Stats) *atomic.Uint64 { return &s.TxFifo }, func(c *Counters) *uint64 { return &c.TxFifo }},
	{"tx_window_errors", func(s *Stats) *atomic.Uint64 { return &s.TxWindow }, func(c *Counters) *uint64 { return &c.TxWindow }},
	{"tx_carrier_errors", func(s *Stats) *atomic.Uint64 { return &s.TxCarrier }, func(c *Counters) *uint64 { return &c.TxCarrier }},
	{"collisions", func(s *Stats) *atomic.Uint64 { return &s.Collisions }, func(c *Counters) *uint64 { return &c.Collisions }},
	{"rx_errors", func(s *Stats) *atomic.Uint64 { return &s.RxErrors }, func(c *Counters) *uint64 { return &c.RxErrors }},
	{"rx_crc_errors", func(s *Stats) *atomic.Uint64 { return &s.RxCRC }, func(c *Counters) *uint64 { return &c.RxCRC }},
	{"rx_frame_errors", func(s *Stats) *atomic.Uint64 { return &s.RxFrame }, func(c *Counters) *uint64 { return &c.RxFrame }},
	{"rx_length_errors", func(s *Stats) *atomic.Uint64 { return &s.RxLength }, func(c *Counters) *uint64 { return &c.RxLength }},
	{"rx_over_errors", func(s *Stats) *atomic.Uint64 { return &s.RxOver }, func(c *Counters) *uint64 { return &c.RxOver }},
	{"rx_fifo_errors", func(s *Stats) *atomic.Uint64 { return &s.RxFifo }, func(c *Counters) *uint64 { return &c.RxFifo }},
	{"rx_missed_errors", func(s *Stats) *atomic.Uint64 { return &s.RxMissed }, func(c *Counters) *uint64 { return &c.RxMissed }},
	{"rx_dropped", func(s *Stats) *atomic.Uint64 { return &s.RxDropped }, func(c *Counters) *uint64 { return &c.RxDropped }},
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Counters {
	var c Counters
	for _, f := range counterFields {
		*f.c(&c) = f.s(s).Load()
	}
	return c
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	for _, f := range counterFields {
		f.s(s).Store(0)
	}
}

// CounterNames lists the exported counter names in a stable order.
func CounterNames() []string {
	names := make([]string, len(counterFields))
	for i, f := range counterFields {
		names[i] = f.name
	}
	return names
}

// Get returns the value of the named counter.
func (c Counters) Get(name string) (uint64, bool) {
	for _, f := range counterFields {
		if f.name == name {
			return *f.c(&c), true
		}
	}
	return 0, false
}

// Each calls fn for every counter in CounterNames order.
func (c Counters) Each(fn func(name string, v uint64)) {
	for _, f := range counterFields {
		fn(f.name, *f.c(&c))
	}
}
