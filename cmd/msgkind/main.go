package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Bldg-7/msgkind/internal/metrics"
	"github.com/Bldg-7/msgkind/internal/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, nil))
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

type cli struct {
	format  string
	listen  string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	logger  *zap.Logger
	metrics *metrics.KindMetrics
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, logger *zap.Logger) int {
	fs := flag.NewFlagSet("msgkind", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "table", "Output format: table or json")
	logLevel := fs.String("log-level", "", "Log level (or set MSGKIND_LOG_LEVEL env var)")
	listen := fs.String("listen", "", "Serve /metrics on this address after the metrics command instead of printing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "table" && *format != "json" {
		fmt.Fprintf(stderr, "Error: unknown format %q\n", *format)
		return 2
	}
	if logger == nil {
		if *logLevel == "" {
			*logLevel = os.Getenv("MSGKIND_LOG_LEVEL")
		}
		if *logLevel == "" {
			*logLevel = "info"
		}
		l, err := newLogger(*logLevel)
		if err != nil {
			fmt.Fprintf(stderr, "failed to initialize logger: %v\n", err)
			return 1
		}
		defer l.Sync()
		logger = l
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 1
	}

	c := &cli{
		format:  *format,
		listen:  *listen,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		logger:  logger,
		metrics: metrics.NewKindMetrics(prometheus.NewRegistry()),
	}

	switch rest[0] {
	case "parse":
		return c.handleParse(rest[1:])
	case "list":
		return c.handleList()
	case "encode":
		return c.handleEncode(rest[1:])
	case "decode":
		return c.handleDecode()
	case "metrics":
		return c.handleMetrics()
	case "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", rest[0])
		return 1
	}
}

type parseResult struct {
	Input string `json:"input"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

func (c *cli) handleParse(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, "Error: parse requires at least one argument")
		return 1
	}

	code := 0
	results := make([]parseResult, 0, len(args))
	for _, arg := range args {
		kind, err := c.metrics.Classify(arg)
		if err != nil {
			c.logger.Warn("rejected message kind", zap.String("input", arg), zap.Error(err))
			results = append(results, parseResult{Input: arg, Error: err.Error()})
			code = 1
			continue
		}
		c.logger.Debug("parsed message kind", shared.KindField(kind))
		results = append(results, parseResult{Input: arg, Kind: kind.String()})
	}

	if c.format == "json" {
		c.writeJSON(results)
		return code
	}
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INPUT\tKIND")
	for _, r := range results {
		kind := r.Kind
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", r.Input, kind)
	}
	w.Flush()
	return code
}

func (c *cli) handleList() int {
	kinds := shared.MessageKinds()
	if c.format == "json" {
		names := make([]string, 0, len(kinds))
		for _, k := range kinds {
			names = append(names, k.String())
		}
		c.writeJSON(names)
		return 0
	}
	for _, k := range kinds {
		fmt.Fprintln(c.stdout, k)
	}
	return 0
}

// handleEncode builds one envelope and prints it as a single JSON line:
//
//	encode request <method> [payload]
//	encode response <request_id> <method> [payload]
//	encode error <request_id> <method> <message>
func (c *cli) handleEncode(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, "Error: encode requires a kind")
		return 1
	}
	kind, err := shared.ParseMessageKind(args[0])
	if err != nil {
		c.logger.Warn("rejected message kind", zap.String("input", args[0]), zap.Error(err))
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	args = args[1:]

	var env *shared.Envelope
	switch kind {
	case shared.Request:
		if len(args) < 1 || len(args) > 2 {
			fmt.Fprintln(c.stderr, "Error: usage: encode request <method> [payload]")
			return 1
		}
		env, err = shared.NewRequest(args[0], payloadArg(args[1:]))
	case shared.Response:
		if len(args) < 2 || len(args) > 3 {
			fmt.Fprintln(c.stderr, "Error: usage: encode response <request_id> <method> [payload]")
			return 1
		}
		env, err = shared.NewResponse(requestStub(args[0], args[1]), payloadArg(args[2:]))
	case shared.Error:
		if len(args) != 3 {
			fmt.Fprintln(c.stderr, "Error: usage: encode error <request_id> <method> <message>")
			return 1
		}
		env, err = shared.NewError(requestStub(args[0], args[1]), errors.New(args[2]))
	}
	if err != nil {
		c.logger.Error("failed to build envelope", shared.KindField(kind), zap.Error(err))
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}

	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		ctx := shared.ContextForEnvelope(context.Background(), env)
		shared.LogErrorWithContext(ctx, c.logger, "failed to encode envelope", err, shared.EnvelopeFields(env)...)
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	ctx := shared.ContextForEnvelope(context.Background(), env)
	shared.LogWithContext(ctx, c.logger, "encoded envelope", shared.EnvelopeFields(env)...)
	fmt.Fprintf(c.stdout, "%s\n", data)
	return 0
}

func requestStub(requestID, method string) *shared.Envelope {
	return &shared.Envelope{Kind: shared.Request, Method: method, RequestID: requestID}
}

func payloadArg(args []string) any {
	if len(args) == 0 {
		return nil
	}
	return json.RawMessage(args[0])
}

type decodeResult struct {
	Kind      string `json:"kind"`
	Method    string `json:"method"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// handleDecode reads one JSON envelope per line
func (c *cli) handleDecode() int {
	code := 0
	var results []decodeResult
	scanner := bufio.NewScanner(c.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		env, err := shared.UnmarshalEnvelope(data)
		if err != nil {
			c.metrics.ObserveRejected(rejectReason(err))
			ctx := correlateRejected(data)
			shared.LogErrorWithContext(ctx, c.logger, "rejected envelope", err, zap.Int("line", line))
			code = 1
			continue
		}
		c.metrics.ObserveEnvelope(env)
		ctx := shared.ContextForEnvelope(context.Background(), env)
		shared.LogWithContext(ctx, c.logger, "decoded envelope", append(shared.EnvelopeFields(env), zap.Int("line", line))...)
		results = append(results, decodeResult{
			Kind:      env.Kind.String(),
			Method:    env.Method,
			RequestID: env.RequestID,
			Error:     env.Error,
		})
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("failed to read input", zap.Int("line", line+1), zap.Error(err))
		code = 1
	}

	if c.format == "json" {
		c.writeJSON(results)
		return code
	}
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tMETHOD\tREQUEST_ID")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Kind, r.Method, r.RequestID)
	}
	w.Flush()
	return code
}

const maxLineSize = 1024 * 1024

// correlateRejected recovers the request ID of an invalid envelope when the JSON is readable
func correlateRejected(data []byte) context.Context {
	var partial struct {
		RequestID string `json:"request_id"`
	}
	ctx := context.Background()
	if err := json.Unmarshal(data, &partial); err == nil && partial.RequestID != "" {
		ctx = shared.WithCorrelationID(ctx, partial.RequestID)
	}
	return ctx
}

func rejectReason(err error) string {
	var invalid *shared.InvalidTypeError
	if errors.As(err, &invalid) {
		return metrics.ReasonInvalidType
	}
	return metrics.ReasonInvalidEnvelope
}

func (c *cli) handleMetrics() int {
	code := c.handleDecode()
	if c.listen != "" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := serveMetrics(ctx, newMetricsServer(c.listen, c.metrics), c.logger); err != nil {
			c.logger.Error("metrics server error", zap.Error(err))
			return 1
		}
		return code
	}
	if err := dumpMetrics(c.stdout, c.metrics); err != nil {
		c.logger.Error("failed to write metrics", zap.Error(err))
		return 1
	}
	return code
}

func newMetricsServer(addr string, m *metrics.KindMetrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveMetrics runs srv until ctx is done, then shuts it down
func serveMetrics(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	logger.Info("metrics server stopped")
	return nil
}

func (c *cli) writeJSON(v any) {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		c.logger.Error("failed to encode output", zap.Error(err))
	}
}

func dumpMetrics(w io.Writer, m *metrics.KindMetrics) error {
	families, err := m.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: msgkind [flags] <command> [args]

Commands:
  parse <text>...                                Parse message kind literals
  list                                           List all message kinds
  encode request <method> [payload]              Build a request envelope
  encode response <request_id> <method> [payload]
                                                 Build a response envelope
  encode error <request_id> <method> <message>   Build an error envelope
  decode                                         Decode JSON envelopes from stdin, one per line
  metrics                                        Decode stdin, then print kind counters
  help                                           Show this help

Flags:
  -format string      Output format: table or json (default "table")
  -listen string      Serve /metrics on this address after the metrics command
  -log-level string   Log level (or set MSGKIND_LOG_LEVEL env var)`)
}
