// Package statesync broadcasts a fixed-size state value from one Maker to any
// number of Takers on a local network, carried in OSC messages.
//
// A state is encoded with encoding/binary in big-endian order, so S must be a
// fixed-size value: numbers, bools, arrays and structs of those. Every state
// becomes a frame, split over as many /statesync/frame messages as needed to
// keep each datagram under the packet size:
//
//	/statesync/frame ,siiib  maker-id frame offset size chunk
//
// Takers follow one maker at a time, reassemble frames and queue the complete
// states. Frames older than the last one delivered are dropped.
package statesync

import (
	"bytes"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/showcontroller/oscparam/osc"
)

// FrameAddress is the OSC address of frame fragments.
const FrameAddress = "/statesync/frame"

const (
	// DefaultPacketSize keeps fragments under a typical Ethernet MTU.
	DefaultPacketSize = 1400
	// DefaultInterval is how often a Maker resends an unchanged state.
	DefaultInterval = time.Second
	// DefaultQueueSize bounds the states a Taker holds between calls to Get.
	DefaultQueueSize = 16
	// DefaultSwitchAfter is how long a Taker waits for its maker before
	// following another one.
	DefaultSwitchAfter = time.Second
)

const frameTypeTags = "siiib"

// ErrNotFixedSize is returned for state types encoding/binary cannot size.
var ErrNotFixedSize = errors.New("statesync: state type is not fixed size")

type options struct {
	packetSize  int
	interval    time.Duration
	queueSize   int
	switchAfter time.Duration
	maker       uuid.UUID
	log         *zap.Logger
}

// Option configures a Maker or a Taker.
type Option func(*options)

// WithPacketSize sets the largest datagram a Maker sends.
func WithPacketSize(n int) Option {
	return func(o *options) { o.packetSize = n }
}

// WithInterval sets how often a Maker resends its state when it does not
// change. Zero disables resending.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithQueueSize sets how many complete states a Taker queues.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithSwitchAfter sets how long a Taker stays with a silent maker.
func WithSwitchAfter(d time.Duration) Option {
	return func(o *options) { o.switchAfter = d }
}

// WithMakerID fixes the maker id. On a Taker it restricts reception to that
// maker.
func WithMakerID(id uuid.UUID) Option {
	return func(o *options) { o.maker = id }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

func newOptions(name string, opts []Option) options {
	o := options{
		packetSize:  DefaultPacketSize,
		interval:    DefaultInterval,
		queueSize:   DefaultQueueSize,
		switchAfter: DefaultSwitchAfter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize < 1 {
		o.queueSize = 1
	}
	if o.log == nil {
		o.log = zap.L().Named(name)
	}
	return o
}

func stateSize[S any]() (int, error) {
	var s S
	n := binary.Size(&s)
	if n <= 0 {
		return 0, errors.Wrapf(ErrNotFixedSize, "%T", s)
	}
	return n, nil
}

func encodeState[S any](s *S, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := binary.Write(buf, binary.BigEndian, s); err != nil {
		return nil, errors.Wrap(err, "statesync: encoding state")
	}
	return buf.Bytes(), nil
}

func decodeState[S any](data []byte, s *S) error {
	return errors.Wrap(binary.Read(bytes.NewReader(data), binary.BigEndian, s), "statesync: decoding state")
}

// frameOverhead is the size of a fragment message carrying an empty chunk.
func frameOverhead() int {
	p := osc.NewPacket(128)
	p.BeginMessage(FrameAddress).
		String(uuid.Nil.String()).
		Int32(0).Int32(0).Int32(0).
		Blob(nil).
		EndMessage()
	return p.Size()
}

// chunkSize is the payload per fragment for the given packet size.
func chunkSize(packetSize int) (int, error) {
	n := (packetSize - frameOverhead()) &^ 3
	if n <= 0 {
		return 0, errors.Errorf("statesync: packet size %d leaves no room for state", packetSize)
	}
	return n, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "statesync: address %q", addr)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, errors.Wrapf(err, "statesync: port in %q", addr)
	}
	return host, port, nil
}
