// Package capture records frames crossing the adapter to a pcap stream.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rcrowley/go-metrics"
)

// DefaultSnapLen covers a full frame with room to spare.
const DefaultSnapLen = 2048

var ErrClosed = errors.New("capture is closed")

// Direction is which way a frame crossed the adapter.
type Direction uint8

const (
	// Inbound frames were received from the wire.
	Inbound Direction = 1 << iota
	// Outbound frames were submitted for transmission.
	Outbound

	Both = Inbound | Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "in"
	case Outbound:
		return "out"
	case Both:
		return "both"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in", "rx":
		return Inbound, nil
	case "out", "tx":
		return Outbound, nil
	case "", "both":
		return Both, nil
	}
	return 0, fmt.Errorf("unknown capture direction %q", s)
}

// Writer writes ethernet frames as pcap records. It is safe for concurrent
// use by the receive and transmit paths.
type Writer struct {
	mu      sync.Mutex
	pw      *pcapgo.Writer
	closer  io.Closer
	snaplen int
	dirs    Direction
	closed  bool

	now      func() time.Time
	frames   metrics.Counter
	errors   metrics.Counter
	filtered metrics.Counter
}

// NewWriter writes the pcap file header to w and returns a Writer capturing
// both directions, truncating frames to snaplen bytes.
func NewWriter(w io.Writer, snaplen int) (*Writer, error) {
	if snaplen <= 0 {
		snaplen = DefaultSnapLen
	}

	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(uint32(snaplen), layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}

	return &Writer{
		pw:       pw,
		snaplen:  snaplen,
		dirs:     Both,
		now:      time.Now,
		frames:   metrics.GetOrRegisterCounter("capture.frames", nil),
		errors:   metrics.GetOrRegisterCounter("capture.errors", nil),
		filtered: metrics.GetOrRegisterCounter("capture.filtered", nil),
	}, nil
}

// Create truncates path and captures to it. Closing the Writer closes the
// file.
func Create(path string, snaplen int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	w, err := NewWriter(f, snaplen)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// SetDirections limits which frames are written.
func (w *Writer) SetDirections(d Direction) {
	w.mu.Lock()
	w.dirs = d
	w.mu.Unlock()
}

func (w *Writer) SnapLen() int {
	return w.snaplen
}

// WriteFrame records frame. Frames in a direction that is not captured are
// skipped without error.
func (w *Writer) WriteFrame(dir Direction, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.dirs&dir == 0 {
		w.filtered.Inc(1)
		return nil
	}

	data := frame
	if len(data) > w.snaplen {
		data = data[:w.snaplen]
	}

	err := w.pw.WritePacket(gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(data),
		Length:        len(frame),
	}, data)
	if err != nil {
		w.errors.Inc(1)
		return err
	}
	w.frames.Inc(1)
	return nil
}

// Close stops the capture. Later writes return ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
