package gamesocket

import (
	"sync"
	"time"

	"github.com/Zereker/gamesocket/timewheel"
)

// ErrorAction defines the action to take when an I/O or handler error occurs.
// Protocol violations always disconnect regardless of the action.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// Default limits.
const (
	defaultBufferSize        = 64
	defaultHeartbeat         = 30 * time.Second
	defaultSoftLimit         = 16 * 1024
	defaultHardLimit         = 256 * 1024
	defaultCompressThreshold = 4 * 1024
	defaultRequestTimeout    = 10 * time.Second

	// DefaultSequenceWrap is the largest outbound sequence before it wraps
	// to zero. The wire field is 16 bits wide but one bit is kept unused.
	DefaultSequenceWrap = 1<<15 - 1
)

// options holds the configuration for a codec and a connection.
type options struct {
	encoder           BodyEncoder
	decoder           BodyDecoder
	registry          TypeRegistry
	compressor        Compressor
	compressThreshold int
	sequence          bool
	sequenceWrap      int
	shareChannel      bool
	softLimit         int
	hardLimit         int

	logger  Logger
	metrics *Metrics

	onMessage      func(*Session, *Frame) error
	onError        func(error) ErrorAction
	onSession      func(*Session)
	onSessionClose func(*Session)

	bufferSize int           // size of buffered send channel
	heartbeat  time.Duration // read/write deadlines are heartbeat * 2

	requestMode    bool
	requestTimeout time.Duration
	timer          *timewheel.Timer

	sessionID    int32
	hasSessionID bool
	autoRegister bool
}

// Option is a function that configures codec and connection options.
type Option func(*options)

// BodyCodecOption sets the body encoder and decoder.
// Defaults to BytesBodyCodec.
func BodyCodecOption(codec BodyCodec) Option {
	return func(o *options) {
		o.encoder = codec
		o.decoder = codec
	}
}

// BodyEncoderOption sets only the body encoder.
func BodyEncoderOption(enc BodyEncoder) Option {
	return func(o *options) {
		o.encoder = enc
	}
}

// BodyDecoderOption sets only the body decoder.
func BodyDecoderOption(dec BodyDecoder) Option {
	return func(o *options) {
		o.decoder = dec
	}
}

// RegistryOption sets the message type registry used to stamp outbound
// types and, in share-channel mode, to tell typed frames from relayed ones.
func RegistryOption(r TypeRegistry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// CompressorOption enables compression of bodies of at least threshold
// bytes. A non-positive threshold selects the 4 KiB default.
func CompressorOption(c Compressor, threshold int) Option {
	return func(o *options) {
		o.compressor = c
		o.compressThreshold = threshold
	}
}

// SequenceOption toggles the per-frame sequence field.
func SequenceOption(enabled bool) Option {
	return func(o *options) {
		o.sequence = enabled
	}
}

// SequenceWrapOption sets the largest sequence value before wrapping to 0.
// Values outside 1..65535 select DefaultSequenceWrap.
func SequenceWrapOption(wrap int) Option {
	return func(o *options) {
		o.sequenceWrap = wrap
	}
}

// ShareChannelOption toggles share-channel mode, where frames carry the id
// of the logical session they belong to.
func ShareChannelOption(enabled bool) Option {
	return func(o *options) {
		o.shareChannel = enabled
	}
}

// BodyLimitOption sets the declared body length that triggers a warning
// (soft) and the one that aborts the connection (hard).
func BodyLimitOption(soft, hard int) Option {
	return func(o *options) {
		o.softLimit = soft
		o.hardLimit = hard
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more frames to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read/write error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each received frame that is
// not a response. Returning an error closes the connection.
func OnMessageOption(cb func(*Session, *Frame) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnSessionOption sets a callback invoked when a session opens: once per
// connection, and once per logical session in share-channel mode.
func OnSessionOption(cb func(*Session)) Option {
	return func(o *options) {
		o.onSession = cb
	}
}

// OnSessionCloseOption sets a callback invoked after a session closed and
// its pending requests were failed.
func OnSessionCloseOption(cb func(*Session)) Option {
	return func(o *options) {
		o.onSessionClose = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption sets the Prometheus metrics sink.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// RequestOption enables request mode with the given timeout. A
// non-positive timeout selects the 10 second default.
func RequestOption(timeout time.Duration) Option {
	return func(o *options) {
		o.requestMode = true
		o.requestTimeout = timeout
	}
}

// TimerOption sets the wheel timer used for request timeouts. Without it a
// process-wide timer is started on first use.
func TimerOption(t *timewheel.Timer) Option {
	return func(o *options) {
		o.timer = t
	}
}

// SessionIDOption fixes the id of a connection's session. Without it ids
// are allocated from a process-wide counter.
func SessionIDOption(id int32) Option {
	return func(o *options) {
		o.sessionID = id
		o.hasSessionID = true
	}
}

// AutoRegisterOption makes a share-channel connection create logical
// sessions for unknown inbound session ids instead of dropping the frame.
func AutoRegisterOption(enabled bool) Option {
	return func(o *options) {
		o.autoRegister = enabled
	}
}

func newOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// applyCodecDefaults fills in codec settings left unset.
func applyCodecDefaults(opts *options) {
	if opts.encoder == nil && opts.decoder == nil {
		opts.encoder = BytesBodyCodec{}
		opts.decoder = BytesBodyCodec{}
	}
	if opts.compressThreshold <= 0 {
		opts.compressThreshold = defaultCompressThreshold
	}
	if opts.sequenceWrap <= 0 || opts.sequenceWrap > 0xFFFF {
		opts.sequenceWrap = DefaultSequenceWrap
	}
	if opts.hardLimit <= 0 {
		opts.hardLimit = defaultHardLimit
	}
	if opts.softLimit <= 0 || opts.softLimit > opts.hardLimit {
		opts.softLimit = min(defaultSoftLimit, opts.hardLimit)
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	applyCodecDefaults(opts)

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.requestMode {
		if opts.requestTimeout <= 0 {
			opts.requestTimeout = defaultRequestTimeout
		}
		if opts.timer == nil {
			opts.timer = sharedTimer()
		}
	}

	return nil
}

var (
	sharedTimerOnce sync.Once
	sharedTimerVal  *timewheel.Timer
)

// sharedTimer returns the process-wide request timer.
func sharedTimer() *timewheel.Timer {
	sharedTimerOnce.Do(func() {
		sharedTimerVal = timewheel.New(timewheel.WithName("gamesocket-requests"))
	})
	return sharedTimerVal
}
