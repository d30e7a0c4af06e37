// Package portaudio implements capture.Device on top of PortAudio's
// blocking stream API. The PortAudio shared library must be installed.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/fluentia/pkg/audio/capture"
)

// Device is the default system input device. Create it once per process
// with [New] and release it with Close.
type Device struct {
	mu     sync.Mutex
	closed bool
}

var _ capture.Device = (*Device)(nil)

// New initialises PortAudio.
func New() (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Device{}, nil
}

// Open implements capture.Device using the default input device.
func (d *Device) Open(sampleRate, channels, framesPerBuffer int) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("portaudio: device closed")
	}
	buf := make([]float32, framesPerBuffer*channels)
	s, err := pa.OpenDefaultStream(channels, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open default stream: %w", err)
	}
	return &stream{s: s, buf: buf}, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return pa.Terminate()
}

type stream struct {
	s   *pa.Stream
	buf []float32
}

func (s *stream) Start() error { return s.s.Start() }

func (s *stream) Read() ([]float32, error) {
	if err := s.s.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return nil, err
	}
	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

func (s *stream) Stop() error { return s.s.Stop() }

func (s *stream) Close() error { return s.s.Close() }
