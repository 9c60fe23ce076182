package collab

import "time"

// TestPatternCapture produces a fixed-size synthetic frame (a flat
// color field identified by FrameCounter) instead of reading a real
// display. Used when no platform capture backend is wired in.
type TestPatternCapture struct {
	Width, Height int
	FrameCounter  uint64
}

// NewTestPatternCapture creates a capture stub at the given resolution.
func NewTestPatternCapture(width, height int) *TestPatternCapture {
	return &TestPatternCapture{Width: width, Height: height}
}

func (c *TestPatternCapture) Init(display int) error { return nil }

func (c *TestPatternCapture) CaptureFrame(out *Frame) error {
	stride := c.Width
	size := stride * c.Height
	if cap(out.Data) < size {
		out.Data = make([]byte, size)
	} else {
		out.Data = out.Data[:size]
	}
	fill := byte(c.FrameCounter % 256)
	for i := range out.Data {
		out.Data[i] = fill
	}
	out.Width = c.Width
	out.Height = c.Height
	out.Stride = stride
	out.FourCC = "I420"
	out.CapturedAt = time.Now()
	c.FrameCounter++
	return nil
}

func (c *TestPatternCapture) Close() error { return nil }

// PassthroughEncoder treats the raw frame bytes as the "bitstream",
// with a synthetic keyframe every gopSize frames. Good enough to drive
// the host loop end-to-end without a real codec.
type PassthroughEncoder struct {
	gopSize       int
	frameCount    int
	forceKeyframe bool
}

// NewPassthroughEncoder creates an encoder stub with the given GOP size.
func NewPassthroughEncoder(gopSize int) *PassthroughEncoder {
	if gopSize <= 0 {
		gopSize = 30
	}
	return &PassthroughEncoder{gopSize: gopSize}
}

func (e *PassthroughEncoder) Init(codec string, bitrateKbps int) error { return nil }

func (e *PassthroughEncoder) EncodeFrame(f *Frame, out []byte) (int, bool, error) {
	n := copy(out, f.Data)
	isKey := e.forceKeyframe || e.frameCount%e.gopSize == 0
	e.forceKeyframe = false
	e.frameCount++
	return n, isKey, nil
}

func (e *PassthroughEncoder) ForceKeyframe() { e.forceKeyframe = true }

func (e *PassthroughEncoder) Close() error { return nil }

// PassthroughDecoder is the mirror of PassthroughEncoder.
type PassthroughDecoder struct {
	width, height int
}

// NewPassthroughDecoder creates a decoder stub for frames of the given
// fixed resolution.
func NewPassthroughDecoder(width, height int) *PassthroughDecoder {
	return &PassthroughDecoder{width: width, height: height}
}

func (d *PassthroughDecoder) Init(codec string) error { return nil }

func (d *PassthroughDecoder) DecodeFrame(bitstream []byte, out *Frame) error {
	out.Data = append(out.Data[:0], bitstream...)
	out.Width = d.width
	out.Height = d.height
	out.Stride = d.width
	out.FourCC = "I420"
	out.CapturedAt = time.Now()
	return nil
}

func (d *PassthroughDecoder) Close() error { return nil }

// SilentAudioIn produces silence, for running the loops without a real
// microphone backend.
type SilentAudioIn struct {
	frameBytes int
}

// NewSilentAudioIn creates an audio-in stub that yields frameBytes of
// silence per ReadFrame call.
func NewSilentAudioIn(frameBytes int) *SilentAudioIn {
	return &SilentAudioIn{frameBytes: frameBytes}
}

func (a *SilentAudioIn) Init(sampleRate, channels int) error { return nil }

func (a *SilentAudioIn) ReadFrame(out []byte) (int, error) {
	n := a.frameBytes
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = 0
	}
	return n, nil
}

func (a *SilentAudioIn) Close() error { return nil }

// DiscardAudioOut drops every frame it receives.
type DiscardAudioOut struct{}

func (DiscardAudioOut) Init(sampleRate, channels int) error { return nil }
func (DiscardAudioOut) WriteFrame(pcm []byte) error          { return nil }
func (DiscardAudioOut) Close() error                         { return nil }

// NoopInputSink discards every input event.
type NoopInputSink struct{}

func (NoopInputSink) Init() error                  { return nil }
func (NoopInputSink) Process(event InputEvent) error { return nil }
func (NoopInputSink) Close() error                  { return nil }
