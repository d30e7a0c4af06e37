// Package capture owns the microphone. An [Engine] opens a [Capture], which
// converts the device's floating-point samples into s16le mono
// [audio.AudioFrame]s, exposes a level tap for visualisation, counts elapsed
// recording time and signals when the maximum recording duration is reached.
//
// A Capture is single-use: once closed, a new one must be opened.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fluentia/pkg/audio"
)

// ErrDeviceUnavailable is returned by [Engine.Open] when no input device
// exists or access to it was denied.
var ErrDeviceUnavailable = errors.New("capture: audio device unavailable")

// DefaultMaxDuration is the recording limit used when Open receives zero.
const DefaultMaxDuration = 30 * time.Second

// Device opens input streams on an audio input device.
type Device interface {
	Open(sampleRate, channels, framesPerBuffer int) (Stream, error)
}

// Stream is an open device input stream. Read blocks until the next buffer
// of interleaved float32 samples in [-1, 1] is available; a started stream
// returns from Read within about one buffer duration. A zero-length buffer
// carries no audio. Stream methods are not called concurrently: Stop and
// Close only run once the last Read has returned.
type Stream interface {
	Start() error
	Read() ([]float32, error)
	Stop() error
	Close() error
}

// Engine opens captures on a [Device].
type Engine struct {
	device     Device
	channels   int
	bufferSize time.Duration
	tick       time.Duration
	queueSize  int
}

// Option is a functional option for [Engine].
type Option func(*Engine)

// WithChannels sets the number of device input channels. Frames are always
// down-mixed to mono. Default: 1.
func WithChannels(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.channels = n
		}
	}
}

// WithBufferDuration sets the amount of audio per device read. Default: 100ms.
func WithBufferDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.bufferSize = d
		}
	}
}

// WithTickInterval sets the elapsed-time tick. Default: one second.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// NewEngine creates an Engine that captures from device.
func NewEngine(device Device, opts ...Option) *Engine {
	e := &Engine{
		device:     device,
		channels:   1,
		bufferSize: 100 * time.Millisecond,
		tick:       time.Second,
		queueSize:  256,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Open acquires the device and starts producing frames at sampleRate.
// maxDuration of zero selects [DefaultMaxDuration]. Cancelling ctx closes
// the capture.
func (e *Engine) Open(ctx context.Context, sampleRate int, maxDuration time.Duration) (*Capture, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("capture: invalid sample rate %d", sampleRate)
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	framesPerBuffer := int(int64(sampleRate) * int64(e.bufferSize) / int64(time.Second))
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1
	}

	stream, err := e.device.Open(sampleRate, e.channels, framesPerBuffer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start stream: %w", ErrDeviceUnavailable, err)
	}

	c := &Capture{
		stream:      stream,
		sampleRate:  sampleRate,
		channels:    e.channels,
		tick:        e.tick,
		maxDuration: maxDuration,
		frames:      make(chan audio.AudioFrame, e.queueSize),
		done:        make(chan struct{}),
		maxReached:  make(chan struct{}),
		started:     time.Now(),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.tickLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	slog.Debug("capture opened", "sample_rate", sampleRate, "channels", e.channels, "frames_per_buffer", framesPerBuffer)
	return c, nil
}

// Capture is one live microphone acquisition.
type Capture struct {
	stream      Stream
	sampleRate  int
	channels    int
	tick        time.Duration
	maxDuration time.Duration
	started     time.Time

	frames     chan audio.AudioFrame
	done       chan struct{}
	maxReached chan struct{}
	maxOnce    sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup

	ticks atomic.Int64

	tapMu    sync.Mutex
	tapped   bool
	waveform []float32
	level    audio.Level

	errMu sync.Mutex
	err   error
}

// Frames returns the frame sequence. The channel is closed when the capture
// stops, either through Close or a device read failure.
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// SampleRate returns the negotiated sample rate.
func (c *Capture) SampleRate() int { return c.sampleRate }

// Done is closed once the capture has stopped producing frames.
func (c *Capture) Done() <-chan struct{} { return c.done }

// MaxDurationReached is closed when the elapsed time reaches the maximum
// recording duration. The capture keeps running; the owner decides to stop.
func (c *Capture) MaxDurationReached() <-chan struct{} { return c.maxReached }

// Elapsed returns the recording time counted in whole ticks.
func (c *Capture) Elapsed() time.Duration {
	return time.Duration(c.ticks.Load()) * c.tick
}

// Err returns the device error that ended the capture, if any.
func (c *Capture) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Waveform returns a copy of the most recent sample buffer. It returns nil
// before the first buffer and after Close.
func (c *Capture) Waveform() []float32 {
	c.tapMu.Lock()
	defer c.tapMu.Unlock()
	if !c.tapped || c.waveform == nil {
		return nil
	}
	out := make([]float32, len(c.waveform))
	copy(out, c.waveform)
	return out
}

// Level returns the RMS and peak of the most recent frame.
func (c *Capture) Level() audio.Level {
	c.tapMu.Lock()
	defer c.tapMu.Unlock()
	return c.level
}

// Close disconnects the level tap, stops the device stream and releases the
// device. It is safe to call any number of times; only the first call does
// anything. No frame is delivered after Close returns.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.tapMu.Lock()
		c.tapped = false
		c.waveform = nil
		c.tapMu.Unlock()

		close(c.done)
		c.wg.Wait()
		if stopErr := c.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("capture: stop stream: %w", stopErr)
		}
		if closeErr := c.stream.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("capture: close stream: %w", closeErr))
		}
		slog.Debug("capture closed", "elapsed", c.Elapsed())
	})
	return err
}

func (c *Capture) readLoop() {
	defer c.wg.Done()
	defer close(c.frames)

	c.tapMu.Lock()
	c.tapped = true
	c.tapMu.Unlock()

	for {
		samples, err := c.stream.Read()
		select {
		case <-c.done:
			return
		default:
		}
		if err != nil {
			c.errMu.Lock()
			c.err = fmt.Errorf("capture: read: %w", err)
			c.errMu.Unlock()
			slog.Warn("capture read failed", "err", err)
			go func() { _ = c.Close() }()
			return
		}
		if len(samples) == 0 {
			continue
		}

		pcm := audio.FloatToPCM16(samples)
		if c.channels > 1 {
			pcm = audio.DownmixToMono(pcm, c.channels)
		}

		c.tapMu.Lock()
		if c.tapped {
			c.waveform = append(c.waveform[:0], samples...)
			c.level = audio.MeasureLevel(pcm)
		}
		c.tapMu.Unlock()

		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: c.sampleRate,
			Channels:   1,
			Timestamp:  time.Since(c.started),
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Capture) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			n := c.ticks.Add(1)
			if time.Duration(n)*c.tick >= c.maxDuration {
				c.maxOnce.Do(func() { close(c.maxReached) })
			}
		}
	}
}
