package gamesocket

import (
	"errors"
	"testing"
	"time"
)

func TestBodyCodecOption(t *testing.T) {
	codec := NewProtoBodyCodec(NewRegistry())
	opt := BodyCodecOption(codec)

	var opts options
	opt(&opts)

	if opts.encoder != codec || opts.decoder != codec {
		t.Error("codec not set correctly")
	}
}

func TestBodyEncoderDecoderOptions(t *testing.T) {
	var opts options
	BodyEncoderOption(decliningEncoder{})(&opts)
	BodyDecoderOption(BytesBodyCodec{})(&opts)

	if _, ok := opts.encoder.(decliningEncoder); !ok {
		t.Errorf("encoder = %T, want decliningEncoder", opts.encoder)
	}
	if _, ok := opts.decoder.(BytesBodyCodec); !ok {
		t.Errorf("decoder = %T, want BytesBodyCodec", opts.decoder)
	}

	applyCodecDefaults(&opts)
	if _, ok := opts.encoder.(decliningEncoder); !ok {
		t.Error("defaults must not replace an explicit encoder")
	}
}

func TestBufferSizeOption(t *testing.T) {
	opt := BufferSizeOption(100)

	var opts options
	opt(&opts)

	if opts.bufferSize != 100 {
		t.Errorf("bufferSize = %d, want 100", opts.bufferSize)
	}
}

func TestHeartbeatOption(t *testing.T) {
	heartbeat := time.Minute * 5
	opt := HeartbeatOption(heartbeat)

	var opts options
	opt(&opts)

	if opts.heartbeat != heartbeat {
		t.Errorf("heartbeat = %v, want %v", opts.heartbeat, heartbeat)
	}
}

func TestBodyLimitOption(t *testing.T) {
	tests := []struct {
		name       string
		soft, hard int
		wantSoft   int
		wantHard   int
	}{
		{"explicit", 1024, 4096, 1024, 4096},
		{"defaults", 0, 0, defaultSoftLimit, defaultHardLimit},
		{"soft above hard", 8192, 4096, 4096, 4096},
		{"small hard", 0, 1024, 1024, 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts options
			BodyLimitOption(tt.soft, tt.hard)(&opts)
			applyCodecDefaults(&opts)

			if opts.softLimit != tt.wantSoft {
				t.Errorf("softLimit = %d, want %d", opts.softLimit, tt.wantSoft)
			}
			if opts.hardLimit != tt.wantHard {
				t.Errorf("hardLimit = %d, want %d", opts.hardLimit, tt.wantHard)
			}
		})
	}
}

func TestSequenceWrapOption(t *testing.T) {
	tests := []struct {
		wrap int
		want int
	}{
		{100, 100},
		{0, DefaultSequenceWrap},
		{-1, DefaultSequenceWrap},
		{1 << 16, DefaultSequenceWrap},
		{0xFFFF, 0xFFFF},
	}

	for _, tt := range tests {
		var opts options
		SequenceWrapOption(tt.wrap)(&opts)
		applyCodecDefaults(&opts)

		if opts.sequenceWrap != tt.want {
			t.Errorf("SequenceWrapOption(%d): sequenceWrap = %d, want %d", tt.wrap, opts.sequenceWrap, tt.want)
		}
	}
}

func TestCompressorOption(t *testing.T) {
	c := NewZlibCompressor(-1)

	var opts options
	CompressorOption(c, 0)(&opts)
	applyCodecDefaults(&opts)

	if opts.compressor != c {
		t.Error("compressor not set correctly")
	}
	if opts.compressThreshold != defaultCompressThreshold {
		t.Errorf("compressThreshold = %d, want %d", opts.compressThreshold, defaultCompressThreshold)
	}
}

func TestOnErrorOption(t *testing.T) {
	called := false
	onError := func(err error) ErrorAction {
		called = true
		return Disconnect
	}
	opt := OnErrorOption(onError)

	var opts options
	opt(&opts)

	if opts.onError == nil {
		t.Fatal("onError is nil")
	}

	// Call to verify it's the right function
	opts.onError(nil)
	if !called {
		t.Error("onError callback not called")
	}
}

func TestOnMessageOption(t *testing.T) {
	called := false
	onMessage := func(s *Session, f *Frame) error {
		called = true
		return nil
	}
	opt := OnMessageOption(onMessage)

	var opts options
	opt(&opts)

	if opts.onMessage == nil {
		t.Fatal("onMessage is nil")
	}

	// Call to verify it's the right function
	_ = opts.onMessage(nil, nil)
	if !called {
		t.Error("onMessage callback not called")
	}
}

func TestLoggerOption(t *testing.T) {
	logger := &mockLogger{}
	opt := LoggerOption(logger)

	var opts options
	opt(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestRequestOption(t *testing.T) {
	var opts options
	RequestOption(0)(&opts)
	OnMessageOption(noopOnMessage)(&opts)

	if err := checkOptions(&opts); err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}

	if !opts.requestMode {
		t.Error("requestMode not set")
	}
	if opts.requestTimeout != defaultRequestTimeout {
		t.Errorf("requestTimeout = %v, want %v", opts.requestTimeout, defaultRequestTimeout)
	}
	if opts.timer == nil || opts.timer != sharedTimer() {
		t.Error("request mode without TimerOption should use the shared timer")
	}
}

func TestOptions_MultipleOptions(t *testing.T) {
	logger := &mockLogger{}
	onError := func(err error) ErrorAction { return Continue }
	heartbeat := time.Second * 45
	bufferSize := 50
	reg := NewRegistry()

	var opts options
	options := []Option{
		BodyCodecOption(BytesBodyCodec{}),
		RegistryOption(reg),
		OnMessageOption(noopOnMessage),
		OnErrorOption(onError),
		HeartbeatOption(heartbeat),
		BufferSizeOption(bufferSize),
		ShareChannelOption(true),
		AutoRegisterOption(true),
		SequenceOption(true),
		SessionIDOption(9),
		LoggerOption(logger),
	}

	for _, opt := range options {
		opt(&opts)
	}

	if opts.registry != reg {
		t.Error("registry not set")
	}
	if opts.onMessage == nil {
		t.Error("onMessage not set")
	}
	if opts.onError == nil {
		t.Error("onError not set")
	}
	if opts.heartbeat != heartbeat {
		t.Errorf("heartbeat = %v, want %v", opts.heartbeat, heartbeat)
	}
	if opts.bufferSize != bufferSize {
		t.Errorf("bufferSize = %d, want %d", opts.bufferSize, bufferSize)
	}
	if !opts.shareChannel || !opts.autoRegister || !opts.sequence {
		t.Error("mode switches not set")
	}
	if !opts.hasSessionID || opts.sessionID != 9 {
		t.Errorf("sessionID = %d (%v), want 9", opts.sessionID, opts.hasSessionID)
	}
	if opts.logger != logger {
		t.Error("logger not set")
	}
}

func TestCheckOptions_DefaultValues(t *testing.T) {
	opts := &options{onMessage: noopOnMessage}

	err := checkOptions(opts)
	if err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}

	if opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", opts.bufferSize, defaultBufferSize)
	}

	if opts.heartbeat != time.Second*30 {
		t.Errorf("heartbeat = %v, want %v", opts.heartbeat, time.Second*30)
	}

	if _, ok := opts.encoder.(BytesBodyCodec); !ok {
		t.Errorf("encoder = %T, want BytesBodyCodec", opts.encoder)
	}

	if opts.requestMode || opts.timer != nil {
		t.Error("request mode should be off by default")
	}

	if opts.onError == nil {
		t.Fatal("onError should have default value")
	}

	// Default onError should return Disconnect
	if opts.onError(errors.New("test")) != Disconnect {
		t.Error("default onError should return Disconnect")
	}
}

func TestErrorAction(t *testing.T) {
	// Test Disconnect constant
	if Disconnect != 0 {
		t.Errorf("Disconnect = %d, want 0", Disconnect)
	}

	// Test Continue constant
	if Continue != 1 {
		t.Errorf("Continue = %d, want 1", Continue)
	}
}
