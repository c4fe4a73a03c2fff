package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Zereker/gamesocket"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// echoType is the message type of the demo's string message.
const echoType = 1

// protocolFlags are shared by both ends; they must agree for frames to parse.
type protocolFlags struct {
	sequence bool
	share    bool
	compress string
	timeout  time.Duration
	verbose  bool
}

func (p *protocolFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&p.sequence, "sequence", false, "stamp and validate per-frame sequence numbers")
	cmd.Flags().BoolVar(&p.share, "share", false, "multiplex logical sessions over one connection")
	cmd.Flags().StringVar(&p.compress, "compress", "", "body compressor: zlib, snappy or empty")
	cmd.Flags().DurationVar(&p.timeout, "timeout", 3*time.Second, "request timeout")
	cmd.Flags().BoolVarP(&p.verbose, "verbose", "v", false, "debug logging")
}

func (p *protocolFlags) options(logger *slog.Logger) ([]gamesocket.Option, error) {
	registry := gamesocket.NewRegistry().MustRegister(echoType, &wrapperspb.StringValue{})

	opts := []gamesocket.Option{
		gamesocket.RegistryOption(registry),
		gamesocket.BodyCodecOption(gamesocket.NewProtoBodyCodec(registry)),
		gamesocket.SequenceOption(p.sequence),
		gamesocket.ShareChannelOption(p.share),
		gamesocket.RequestOption(p.timeout),
		gamesocket.LoggerOption(logger),
	}

	switch p.compress {
	case "":
	case "zlib":
		opts = append(opts, gamesocket.CompressorOption(gamesocket.NewZlibCompressor(-1), 0))
	case "snappy":
		opts = append(opts, gamesocket.CompressorOption(gamesocket.SnappyCompressor{}, 0))
	default:
		return nil, errors.Errorf("unknown compressor %q", p.compress)
	}
	return opts, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "echo",
		Short: "Echo server and load client for the gamesocket protocol",
		Long: `echo runs a server answering every request with the request body,
and a client issuing concurrent requests against it.

Both ends must be started with the same --sequence, --share and
--compress flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		requestCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		proto       protocolFlags
		addr        string
		metricsAddr string
		drain       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(proto.verbose)

			opts, err := proto.options(logger)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			opts = append(opts,
				gamesocket.MetricsOption(gamesocket.NewMetrics(reg, "echo")),
				gamesocket.AutoRegisterOption(true),
				gamesocket.OnMessageOption(echo),
			)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if metricsAddr != "" {
				go serveMetrics(ctx, logger, metricsAddr, reg)
			}

			tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
			if err != nil {
				return errors.Wrap(err, "resolve listen address")
			}
			server, err := gamesocket.Listen(tcpAddr,
				gamesocket.ServerLoggerOption(logger),
				gamesocket.ServerShutdownTimeoutOption(drain),
			)
			if err != nil {
				return errors.Wrap(err, "listen")
			}
			defer server.Close()

			handler, err := gamesocket.NewConnHandler(ctx, opts...)
			if err != nil {
				return err
			}
			defer handler.CloseAll()

			err = server.Serve(ctx, handler)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	proto.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:12345", "listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&drain, "drain", 5*time.Second, "how long to wait for connections to finish on shutdown")
	return cmd
}

// echo answers requests with their own body and returns plain messages to
// the session they came from.
func echo(s *gamesocket.Session, f *gamesocket.Frame) error {
	out := &gamesocket.Frame{Type: f.Type, Body: f.Body, Raw: f.Raw}
	if f.IsRequest() {
		out.Flag = out.Flag.WithRequestMode(gamesocket.ModeResponse)
		out.RequestID = f.RequestID
	}
	return s.SendFrame(out)
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, reg *prometheus.Registry) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", "error", err)
	}
}

func requestCmd() *cobra.Command {
	var (
		proto    protocolFlags
		addr     string
		count    int
		sessions int
		payload  string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Issue concurrent requests against an echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(proto.verbose)

			opts, err := proto.options(logger)
			if err != nil {
				return err
			}
			opts = append(opts, gamesocket.OnMessageOption(func(s *gamesocket.Session, f *gamesocket.Frame) error {
				logger.Info("message", "session_id", s.ID(), "frame", f)
				return nil
			}))

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			conn, err := gamesocket.Dial(ctx, addr, opts...)
			if err != nil {
				return err
			}
			runErr := make(chan error, 1)
			go func() { runErr <- conn.Run(ctx) }()
			defer func() {
				_ = conn.Close()
				<-runErr
			}()

			targets := []*gamesocket.Session{conn.Session()}
			if proto.share {
				targets = targets[:0]
				for i := 1; i <= max(sessions, 1); i++ {
					s, err := conn.Multiplexer().Register(int32(i))
					if err != nil {
						return err
					}
					targets = append(targets, s)
				}
			}

			return runRequests(ctx, cmd, targets, count, payload)
		},
	}

	proto.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:12345", "server address")
	cmd.Flags().IntVarP(&count, "count", "n", 100, "number of requests")
	cmd.Flags().IntVar(&sessions, "sessions", 4, "logical sessions to spread requests over (with --share)")
	cmd.Flags().StringVar(&payload, "payload", "ping", "request body")
	return cmd
}

func runRequests(ctx context.Context, cmd *cobra.Command, targets []*gamesocket.Session, count int, payload string) error {
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		timedOut  atomic.Int64
		failed    atomic.Int64
		mismatch  atomic.Int64
	)

	start := time.Now()
	for i := 0; i < count; i++ {
		s := targets[i%len(targets)]
		body := fmt.Sprintf("%s-%d", payload, i)

		wg.Add(1)
		s.Request(wrapperspb.String(body), func(_ *gamesocket.Session, rc *gamesocket.RequestContext) {
			defer wg.Done()

			resp, err := rc.Response()
			switch {
			case errors.Is(err, gamesocket.ErrRequestTimeout):
				timedOut.Add(1)
			case err != nil:
				failed.Add(1)
			default:
				if sv, ok := resp.(*wrapperspb.StringValue); ok && sv.GetValue() == body {
					succeeded.Add(1)
				} else {
					mismatch.Add(1)
				}
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "requests:  %d in %s\n", count, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "succeeded: %d\n", succeeded.Load())
	fmt.Fprintf(out, "mismatch:  %d\n", mismatch.Load())
	fmt.Fprintf(out, "timed out: %d\n", timedOut.Load())
	fmt.Fprintf(out, "failed:    %d\n", failed.Load())

	if succeeded.Load() != int64(count) {
		return errors.Errorf("%d of %d requests did not succeed", int64(count)-succeeded.Load(), count)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "echo %s (%s)\n", version, commit)
		},
	}
}
