// Package pulse captures microphone audio from a PulseAudio or PipeWire
// server and delivers it as an [audio.Source].
package pulse

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/MrWong99/wordwatch/pkg/audio"
)

var _ audio.Source = (*Capture)(nil)

const (
	defaultSampleRate = 48000
	defaultFrame      = 20 * time.Millisecond
	frameBuffer       = 128
	appName           = "wordwatch"
)

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	Default     bool
	Muted       bool
}

// ListDevices returns the available input sources.
func ListDevices() ([]Device, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName(appName))
	if err != nil {
		return nil, fmt.Errorf("pulse: connect: %w", err)
	}
	defer client.Close()
	return listDevices(client)
}

func listDevices(client *pulse.Client) ([]Device, error) {
	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("pulse: read default source: %w", err)
	}
	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("pulse: list sources: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			Default:     info.SourceName == defaultSource.ID(),
			Muted:       info.Mute,
		})
	}
	return devices, nil
}

// SelectDevice picks the device whose id or description contains query
// (case-insensitive). An empty query or "default" selects the server
// default.
func SelectDevice(devices []Device, query string) (Device, error) {
	if len(devices) == 0 {
		return Device{}, errors.New("pulse: no input devices found")
	}
	query = strings.ToLower(strings.TrimSpace(query))
	for _, d := range devices {
		if query == "" || query == "default" {
			if d.Default {
				return d, nil
			}
			continue
		}
		if strings.Contains(strings.ToLower(d.ID), query) || strings.Contains(strings.ToLower(d.Description), query) {
			return d, nil
		}
	}
	if query == "" || query == "default" {
		return Device{}, errors.New("pulse: default input device is unavailable")
	}
	return Device{}, fmt.Errorf("pulse: input %q did not match any device", query)
}

// Option configures a [Capture].
type Option func(*Capture)

// WithSampleRate sets the capture rate. Defaults to 48000 Hz.
func WithSampleRate(hz int) Option {
	return func(c *Capture) {
		if hz > 0 {
			c.format.SampleRate = hz
		}
	}
}

// WithFrameDuration sets the frame length. Defaults to 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(c *Capture) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithLogger sets the logger used for dropped-frame warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Capture) { c.log = l }
}

// Capture streams fixed-size mono frames from one Pulse source.
type Capture struct {
	device   Device
	format   audio.Format
	frameDur time.Duration
	log      *slog.Logger

	client *pulse.Client
	stream *pulse.RecordStream

	frames chan audio.AudioFrame

	mu       sync.Mutex
	pending  []byte
	captured int64 // samples delivered, drives frame timestamps
	stopped  bool
	dropped  int
}

// Open starts capturing from the device selected by query (see
// [SelectDevice]).
func Open(query string, opts ...Option) (*Capture, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("pulse: connect: %w", err)
	}

	devices, err := listDevices(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	device, err := SelectDevice(devices, query)
	if err != nil {
		client.Close()
		return nil, err
	}
	source, err := client.SourceByID(device.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pulse: resolve source %q: %w", device.ID, err)
	}

	c := &Capture{
		device:   device,
		format:   audio.Format{SampleRate: defaultSampleRate, Channels: 1},
		frameDur: defaultFrame,
		log:      slog.Default(),
		client:   client,
		frames:   make(chan audio.AudioFrame, frameBuffer),
	}
	for _, o := range opts {
		o(c)
	}

	writer := pulse.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(c.format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(c.frameBytes())),
		pulse.RecordMediaName("wordwatch listener"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pulse: create record stream: %w", err)
	}
	c.stream = stream
	stream.Start()

	c.log.Info("pulse capture started", "device", device.ID, "format", c.format.String())
	return c, nil
}

// Device returns the device being captured.
func (c *Capture) Device() Device { return c.device }

// Frames implements [audio.Source].
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Format implements [audio.Source].
func (c *Capture) Format() audio.Format { return c.format }

// Close stops the stream and closes the frame channel exactly once.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	dropped := c.dropped
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
	// onPCM runs under mu and checks stopped, so nothing sends after this.
	close(c.frames)

	if dropped > 0 {
		c.log.Warn("pulse capture dropped frames", "count", dropped)
	}
	return nil
}

func (c *Capture) frameBytes() int {
	return audio.SamplesFor(c.frameDur, c.format.SampleRate) * 2
}

// onPCM receives raw Pulse buffers and slices them into frames. It never
// blocks on the consumer: frames that do not fit are dropped.
func (c *Capture) onPCM(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	c.pending = append(c.pending, buf...)
	size := c.frameBytes()
	for len(c.pending) >= size {
		data := make([]byte, size)
		copy(data, c.pending[:size])
		c.pending = c.pending[size:]

		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: c.format.SampleRate,
			Channels:   1,
			Timestamp:  audio.DurationOf(int(c.captured), c.format.SampleRate),
		}
		c.captured += int64(size / 2)
		select {
		case c.frames <- frame:
		default:
			c.dropped++
		}
	}
	c.mu.Unlock()
	return len(buf), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
