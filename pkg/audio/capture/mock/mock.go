// Package mock provides test doubles for the capture package interfaces.
//
// Device records every Open call and hands out Streams whose buffers are fed
// by the test. Like a running device, an idle Stream returns an empty read
// every Period so the reader can notice it should stop:
//
//	dev := &mock.Device{}
//	eng := capture.NewEngine(dev)
//	c, _ := eng.Open(ctx, 48000, 0)
//	dev.LastStream().Push(make([]float32, 4800))
package mock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fluentia/pkg/audio/capture"
)

// ErrStopped is returned by Stream.Read after Stop.
var ErrStopped = errors.New("mock: stream stopped")

// DefaultPeriod is the idle read interval when Device.Period is zero.
const DefaultPeriod = 5 * time.Millisecond

// OpenCall records a single invocation of Device.Open.
type OpenCall struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// Device is a mock implementation of capture.Device.
type Device struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// StartErr, if non-nil, is returned by Start on every opened stream.
	StartErr error

	// Period is how long an idle Read blocks before returning an empty
	// buffer. Zero selects DefaultPeriod.
	Period time.Duration

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall

	streams []*Stream
}

// Open records the call and returns a new Stream.
func (d *Device) Open(sampleRate, channels, framesPerBuffer int) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{SampleRate: sampleRate, Channels: channels, FramesPerBuffer: framesPerBuffer})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	period := d.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	s := &Stream{
		period:   period,
		startErr: d.StartErr,
		buffers:  make(chan []float32, 1024),
		errs:     make(chan error, 1),
		stopped:  make(chan struct{}),
	}
	d.streams = append(d.streams, s)
	return s, nil
}

// Streams returns every stream opened so far.
func (d *Device) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Stream, len(d.streams))
	copy(out, d.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

var _ capture.Device = (*Device)(nil)

// Stream is a mock implementation of capture.Stream.
type Stream struct {
	mu       sync.Mutex
	period   time.Duration
	startErr error
	buffers  chan []float32
	errs     chan error
	stopped  chan struct{}
	stopOnce sync.Once

	reading        atomic.Int32
	stopDuringRead atomic.Bool

	startCount int
	stopCount  int
	closeCount int
}

// Push queues a buffer for the next Read.
func (s *Stream) Push(samples []float32) {
	s.buffers <- samples
}

// Fail makes the next Read return err.
func (s *Stream) Fail(err error) {
	s.errs <- err
}

// Start implements capture.Stream.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCount++
	return s.startErr
}

// Read implements capture.Stream.
func (s *Stream) Read() ([]float32, error) {
	s.reading.Add(1)
	defer s.reading.Add(-1)
	select {
	case <-s.stopped:
		return nil, ErrStopped
	default:
	}
	select {
	case b := <-s.buffers:
		return b, nil
	case err := <-s.errs:
		return nil, err
	case <-s.stopped:
		return nil, ErrStopped
	case <-time.After(s.period):
		return nil, nil
	}
}

// Stop implements capture.Stream.
func (s *Stream) Stop() error {
	if s.reading.Load() > 0 {
		s.stopDuringRead.Store(true)
	}
	s.mu.Lock()
	s.stopCount++
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

// Close implements capture.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// StopCount returns how many times Stop was called.
func (s *Stream) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// StoppedDuringRead reports whether Stop was ever called while a Read was
// in progress.
func (s *Stream) StoppedDuringRead() bool { return s.stopDuringRead.Load() }

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

var _ capture.Stream = (*Stream)(nil)
