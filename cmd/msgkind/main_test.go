package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Bldg-7/msgkind/internal/metrics"
	"github.com/Bldg-7/msgkind/internal/shared"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr, zap.New(core))
	return code, stdout.String(), logs
}

func TestParseCommand(t *testing.T) {
	code, out, _ := runCLI(t, "", "parse", "request", "response", "error")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, want := range []string{"request", "response", "error"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParseCommandRejectsUnknown(t *testing.T) {
	code, out, logs := runCLI(t, "", "-format", "json", "parse", "request", "Request")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	var results []parseResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("invalid json output: %v\n%s", err, out)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Kind != "request" {
		t.Errorf("results[0].Kind = %q, want request", results[0].Kind)
	}
	if results[1].Kind != "" || results[1].Error == "" {
		t.Errorf("results[1] should carry an error: %+v", results[1])
	}

	warned := logs.FilterMessage("rejected message kind").All()
	if len(warned) != 1 {
		t.Fatalf("expected 1 rejection log, got %d", len(warned))
	}
	if warned[0].ContextMap()["input"] != "Request" {
		t.Errorf("input field = %v, want Request", warned[0].ContextMap()["input"])
	}
}

func TestListCommand(t *testing.T) {
	code, out, _ := runCLI(t, "", "list")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if out != "request\nresponse\nerror\n" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestDecodeCommand(t *testing.T) {
	input := strings.Join([]string{
		`{"version":1,"kind":"request","method":"nodes.get","request_id":"r1","timestamp":1700000000,"payload":{}}`,
		``,
		`{"version":1,"kind":"error","method":"nodes.get","request_id":"r1","timestamp":1700000001,"payload":{},"error":"offline"}`,
		`{"version":1,"kind":"notify","method":"x","request_id":"r2","timestamp":1700000002,"payload":{}}`,
	}, "\n")

	code, out, logs := runCLI(t, input, "-format", "json", "decode")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	var results []decodeResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("invalid json output: %v\n%s", err, out)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 decoded envelopes, got %d", len(results))
	}
	if results[0].Kind != "request" || results[1].Kind != "error" {
		t.Errorf("unexpected kinds: %+v", results)
	}
	if results[1].Error != "offline" {
		t.Errorf("Error = %q, want offline", results[1].Error)
	}

	rejected := logs.FilterMessage("rejected envelope").All()
	if len(rejected) != 1 {
		t.Fatalf("expected 1 rejected envelope log, got %d", len(rejected))
	}
	if rejected[0].ContextMap()["line"] != int64(4) {
		t.Errorf("line field = %v, want 4", rejected[0].ContextMap()["line"])
	}
}

func TestMetricsCommand(t *testing.T) {
	input := strings.Join([]string{
		`{"version":1,"kind":"request","method":"ping","request_id":"r1","timestamp":1700000000,"payload":{}}`,
		`{"version":1,"kind":"response","method":"ping","request_id":"r1","timestamp":1700000001,"payload":{}}`,
		`{"version":1,"kind":"REQUEST","method":"ping","request_id":"r2","timestamp":1700000002,"payload":{}}`,
		`{"version":2,"kind":"request","method":"ping","request_id":"r3","timestamp":1700000003,"payload":{}}`,
	}, "\n")

	code, out, _ := runCLI(t, input, "metrics")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	for _, want := range []string{
		`msgkind_classified_total{kind="request"} 1`,
		`msgkind_classified_total{kind="response"} 1`,
		`msgkind_rejected_total{reason="invalid_type"} 1`,
		`msgkind_rejected_total{reason="invalid_envelope"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, _ := runCLI(t, "", "frobnicate")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestUnknownFormat(t *testing.T) {
	code, _, _ := runCLI(t, "", "-format", "yaml", "list")
	if code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestNoCommandPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, strings.NewReader(""), &stdout, &stderr, zap.NewNop())
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Usage: msgkind") {
		t.Errorf("expected usage on stderr, got %q", stderr.String())
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := newLogger("loud"); err == nil {
		t.Error("expected error for invalid log level")
	}
	if _, err := newLogger("debug"); err != nil {
		t.Errorf("newLogger(debug) failed: %v", err)
	}
}

func TestDecodeLogsCorrelationID(t *testing.T) {
	input := strings.Join([]string{
		`{"version":1,"kind":"request","method":"nodes.get","request_id":"req-a","timestamp":1700000000,"payload":{}}`,
		`{"version":1,"kind":"Response","method":"nodes.get","request_id":"req-b","timestamp":1700000001,"payload":{}}`,
	}, "\n")

	_, _, logs := runCLI(t, input, "decode")

	decoded := logs.FilterMessage("decoded envelope").All()
	if len(decoded) != 1 {
		t.Fatalf("expected 1 decoded envelope log, got %d", len(decoded))
	}
	if decoded[0].ContextMap()["correlation_id"] != "req-a" {
		t.Errorf("correlation_id = %v, want req-a", decoded[0].ContextMap()["correlation_id"])
	}

	rejected := logs.FilterMessage("rejected envelope").All()
	if len(rejected) != 1 {
		t.Fatalf("expected 1 rejected envelope log, got %d", len(rejected))
	}
	if rejected[0].ContextMap()["correlation_id"] != "req-b" {
		t.Errorf("correlation_id = %v, want req-b", rejected[0].ContextMap()["correlation_id"])
	}
}

func TestDecodeFlushesResultsOnOversizedLine(t *testing.T) {
	input := `{"version":1,"kind":"request","method":"ping","request_id":"r1","timestamp":1700000000,"payload":{}}` +
		"\n" + strings.Repeat("x", maxLineSize+1) + "\n"

	code, out, logs := runCLI(t, input, "-format", "json", "decode")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	var results []decodeResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("invalid json output: %v\n%s", err, out)
	}
	if len(results) != 1 || results[0].RequestID != "r1" {
		t.Errorf("expected the envelope read before the failure, got %+v", results)
	}
	if len(logs.FilterMessage("failed to read input").All()) != 1 {
		t.Error("expected read failure to be logged")
	}
}

func TestEncodeThenDecode(t *testing.T) {
	code, out, logs := runCLI(t, "", "encode", "request", "nodes.get", `{"node":"n1"}`)
	if code != 0 {
		t.Fatalf("encode request exit code = %d, want 0", code)
	}
	req, err := shared.UnmarshalEnvelope([]byte(strings.TrimSpace(out)))
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v\n%s", err, out)
	}
	if req.Kind != shared.Request || req.Method != "nodes.get" || string(req.Payload) != `{"node":"n1"}` {
		t.Errorf("unexpected request envelope: %+v", req)
	}
	encoded := logs.FilterMessage("encoded envelope").All()
	if len(encoded) != 1 || encoded[0].ContextMap()["correlation_id"] != req.RequestID {
		t.Errorf("expected encoded envelope log correlated with %s", req.RequestID)
	}

	code, respOut, _ := runCLI(t, "", "encode", "response", req.RequestID, "nodes.get")
	if code != 0 {
		t.Fatalf("encode response exit code = %d, want 0", code)
	}
	code, errOut, _ := runCLI(t, "", "encode", "error", req.RequestID, "nodes.get", "node offline")
	if code != 0 {
		t.Fatalf("encode error exit code = %d, want 0", code)
	}

	code, decoded, _ := runCLI(t, out+respOut+errOut, "-format", "json", "decode")
	if code != 0 {
		t.Fatalf("decode exit code = %d, want 0", code)
	}
	var results []decodeResult
	if err := json.Unmarshal([]byte(decoded), &results); err != nil {
		t.Fatalf("invalid json output: %v\n%s", err, decoded)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(results))
	}
	for i, want := range []string{"request", "response", "error"} {
		if results[i].Kind != want {
			t.Errorf("results[%d].Kind = %s, want %s", i, results[i].Kind, want)
		}
		if results[i].RequestID != req.RequestID {
			t.Errorf("results[%d].RequestID = %s, want %s", i, results[i].RequestID, req.RequestID)
		}
	}
	if results[2].Error != "node offline" {
		t.Errorf("Error = %q, want node offline", results[2].Error)
	}
}

func TestEncodeRejectsBadInput(t *testing.T) {
	cases := [][]string{
		{"encode"},
		{"encode", "Request", "ping"},
		{"encode", "request"},
		{"encode", "request", "ping", `{not json`},
		{"encode", "response", "r1"},
		{"encode", "error", "r1", "ping"},
	}
	for _, args := range cases {
		if code, _, _ := runCLI(t, "", args...); code != 1 {
			t.Errorf("%v: exit code = %d, want 1", args, code)
		}
	}
}

func TestMetricsServerServesCounters(t *testing.T) {
	m := metrics.NewKindMetrics(prometheus.NewRegistry())
	m.ObserveKind(shared.Error)
	srv := newMetricsServer("127.0.0.1:0", m)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `msgkind_classified_total{kind="error"} 1`) {
		t.Errorf("metrics output missing error counter:\n%s", body)
	}
}

func TestServeMetricsStopsOnCancel(t *testing.T) {
	m := metrics.NewKindMetrics(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := serveMetrics(ctx, newMetricsServer("127.0.0.1:0", m), zap.NewNop()); err != nil {
		t.Errorf("serveMetrics returned %v", err)
	}
}
