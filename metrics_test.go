package gamesocket

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.frameIn(ModeNone)
	m.frameOut(ModeRequest)
	m.compressed()
	m.violation(ErrBodyTooLarge)
	m.request(outcomeSuccess)
	m.pendingInc()
	m.pendingDec()
	m.sessionOpened()
	m.sessionClosed()
	m.connOpened()
	m.connClosed()
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "")

	m.frameOut(ModeRequest)
	m.frameOut(ModeRequest)
	m.frameIn(ModeResponse)

	if got := testutil.ToFloat64(m.framesOut.WithLabelValues("request")); got != 2 {
		t.Errorf("frames sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.framesIn.WithLabelValues("response")); got != 1 {
		t.Errorf("frames received = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "gamesocket_frames_sent_total" {
			found = true
		}
	}
	if !found {
		t.Error("default namespace not applied")
	}

	defer func() {
		if recover() == nil {
			t.Error("registering the same collectors twice should panic")
		}
	}()
	NewMetrics(reg, "")
}

func TestMetrics_CodecCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")
	c := NewFrameCodec(MetricsOption(m), CompressorOption(SnappyCompressor{}, 8), LoggerOption(discardLogger))

	wire := mustEncode(t, c, &Frame{Type: 1, Body: []byte("long enough to compress")})
	if _, err := c.Decode(NewBuffer(wire), nil); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got := testutil.ToFloat64(m.compressedOut); got != 1 {
		t.Errorf("compressed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.framesIn.WithLabelValues("none")); got != 1 {
		t.Errorf("frames received = %v, want 1", got)
	}
}

func TestViolationReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&DecodeError{Err: ErrBodyTooLarge}, "body_too_large"},
		{ErrNegativeBodyLength, "negative_length"},
		{ErrSequenceMismatch, "sequence"},
		{ErrUnknownMessageType, "unknown_type"},
		{ErrMalformedFrame, "malformed"},
		{errors.New("other"), "other"},
	}
	for _, tt := range tests {
		if got := violationReason(tt.err); got != tt.want {
			t.Errorf("violationReason(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
