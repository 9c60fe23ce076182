package collab

import "testing"

func TestTestPatternCaptureFillsFrame(t *testing.T) {
	c := NewTestPatternCapture(4, 4)
	var f Frame
	if err := c.CaptureFrame(&f); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(f.Data) != 16 {
		t.Fatalf("data len = %d, want 16", len(f.Data))
	}
	if f.Data[0] != 0 {
		t.Fatalf("first frame fill = %d, want 0", f.Data[0])
	}

	if err := c.CaptureFrame(&f); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if f.Data[0] != 1 {
		t.Fatalf("second frame fill = %d, want 1", f.Data[0])
	}
}

func TestPassthroughEncoderGOPKeyframes(t *testing.T) {
	e := NewPassthroughEncoder(3)
	f := &Frame{Data: []byte{1, 2, 3}}
	out := make([]byte, 16)

	var keyframes []bool
	for i := 0; i < 6; i++ {
		_, isKey, err := e.EncodeFrame(f, out)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		keyframes = append(keyframes, isKey)
	}
	if !keyframes[0] || keyframes[1] || keyframes[2] || !keyframes[3] {
		t.Fatalf("unexpected GOP pattern: %v", keyframes)
	}
}

func TestPassthroughEncoderForceKeyframe(t *testing.T) {
	e := NewPassthroughEncoder(100)
	f := &Frame{Data: []byte{1}}
	out := make([]byte, 4)

	_, isKey, _ := e.EncodeFrame(f, out)
	if !isKey {
		t.Fatalf("expected first frame to be a keyframe")
	}
	_, isKey, _ = e.EncodeFrame(f, out)
	if isKey {
		t.Fatalf("expected second frame to not be a keyframe")
	}

	e.ForceKeyframe()
	_, isKey, _ = e.EncodeFrame(f, out)
	if !isKey {
		t.Fatalf("expected forced keyframe")
	}
}

func TestSilentAudioInProducesSilence(t *testing.T) {
	a := NewSilentAudioIn(8)
	buf := make([]byte, 16)
	buf[0] = 0xFF
	n, err := a.ReadFrame(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 8 {
		t.Fatalf("n = %d, want 8", n)
	}
	if buf[0] != 0 {
		t.Fatalf("expected silence to overwrite buffer")
	}
}
