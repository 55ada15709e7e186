package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func newTestService(t *testing.T, cfg Config, session *stubSession, opts ...Option) (*Service, *stubTransport, *MemoryOutbox) {
	t.Helper()
	transport := &stubTransport{kind: TransportStdio, session: session}
	outbox := NewMemoryOutbox()
	base := []Option{
		WithTransportResolver(newStubResolver(transport)),
		WithOutbox(outbox),
		WithLogger(stubLogger{}),
		WithLoggerProvider(stubLoggerProvider{logger: stubLogger{}}),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, transport, outbox
}

func echoSession() *stubSession {
	return &stubSession{
		info: ServerInfo{Name: "mock-mcp-server", Version: "0.1.0"},
		tools: []ToolDescriptor{
			{Name: "echo", Description: "Echo input", Schema: json.RawMessage(`{"type":"object"}`)},
			{Name: "lookup", Schema: json.RawMessage(`{"type":"object"}`), Annotations: &ToolAnnotations{ReadOnlyHint: boolPtr(true)}},
		},
	}
}

func TestService_ProbeMissingCommand(t *testing.T) {
	svc, transport, _ := newTestService(t, DefaultConfig(), echoSession())
	result, err := svc.Probe(context.Background(), Target{Transport: TransportStdio})
	if err != nil {
		t.Fatalf("probe must not fail: %v", err)
	}
	if result.OK || result.Error == nil || *result.Error != "missing command for stdio" {
		t.Fatalf("unexpected probe result: %+v", result)
	}
	if result.LatencyMS != nil {
		t.Fatalf("expected null latency, got %d", *result.LatencyMS)
	}
	raw, _ := json.Marshal(result)
	if !json.Valid(raw) || !containsJSONNull(raw, "latency_ms") {
		t.Fatalf("expected latency_ms null in %s", raw)
	}
	if transport.connects.Load() != 0 {
		t.Fatalf("probe must not connect without a command")
	}
}

func containsJSONNull(raw []byte, field string) bool {
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return false
	}
	value, ok := object[field]
	return ok && value == nil
}

func TestService_ProbeSuccess(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultConfig(), echoSession())
	result, err := svc.Probe(context.Background(), stdioTarget())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !result.OK || result.LatencyMS == nil || result.Version == nil || *result.Version != "0.1.0" {
		t.Fatalf("unexpected probe result: %+v", result)
	}
	if result.ServerName == nil || *result.ServerName != "mock-mcp-server" || result.Transport != "stdio" {
		t.Fatalf("unexpected server identity: %+v", result)
	}
}

func TestService_ProbeConnectFailure(t *testing.T) {
	svc, transport, _ := newTestService(t, DefaultConfig(), echoSession())
	transport.connectErr = NewTransportError("stdio handshake timed out after 15000 ms", nil)
	result, err := svc.Probe(context.Background(), stdioTarget())
	if err != nil {
		t.Fatalf("probe must report failures in the envelope: %v", err)
	}
	if result.OK || result.Error == nil || !strings.Contains(*result.Error, "stdio handshake timed out after 15000 ms") {
		t.Fatalf("unexpected probe result: %+v", result)
	}
}

func TestService_DescribeValidatesSchema(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultConfig(), echoSession())
	result, err := svc.Describe(context.Background(), stdioTarget(), "echo")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !result.Validated || result.Tool.Name != "echo" {
		t.Fatalf("unexpected describe result: %+v", result)
	}

	_, err = svc.Describe(context.Background(), stdioTarget(), "missing")
	if err == nil || !strings.Contains(err.Error(), `tool "missing" not found`) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestService_CallCapturesAndReplays(t *testing.T) {
	svc, transport, outbox := newTestService(t, DefaultConfig(), echoSession())
	req := CallRequest{
		Target:         stdioTarget(),
		ToolName:       "echo",
		Arguments:      json.RawMessage(`{"text":"hi"}`),
		IdempotencyKey: "key_1",
	}
	first, err := svc.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if first.IsError || first.Trace.Replayed || !first.Trace.OutboxWritten {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if first.Trace.Event == nil || first.Trace.Event.State != RunStatusCaptured {
		t.Fatalf("expected captured event, got %+v", first.Trace.Event)
	}

	second, err := svc.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Trace.Replayed || string(second.StructuredContent) != string(first.StructuredContent) {
		t.Fatalf("expected identical replay, got %+v", second)
	}
	if transport.connects.Load() != 1 {
		t.Fatalf("expected a single downstream invocation, got %d", transport.connects.Load())
	}
	if captured := entriesOfType(outbox.Entries(), OutboxEventCaptured); len(captured) != 1 {
		t.Fatalf("expected one captured outbox entry, got %d", len(captured))
	}
}

func TestService_CallGeneratesKeyWhenMissing(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultConfig(), echoSession())
	result, err := svc.Call(context.Background(), CallRequest{Target: stdioTarget(), ToolName: "echo"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Trace.Event == nil || result.Trace.Event.IdempotencyKey == "" {
		t.Fatalf("expected generated idempotency key")
	}
}

func TestService_CallRejectsNonObjectArguments(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultConfig(), echoSession())
	_, err := svc.Call(context.Background(), CallRequest{
		Target:    stdioTarget(),
		ToolName:  "echo",
		Arguments: json.RawMessage(`[1,2]`),
	})
	if KindOf(err) != ErrorKindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_ConcurrentCallsSameKeyCaptureOnce(t *testing.T) {
	session := echoSession()
	session.release = make(chan struct{})
	svc, transport, outbox := newTestService(t, DefaultConfig(), session)

	const workers = 128
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Call(context.Background(), CallRequest{
				Target:         stdioTarget(),
				ToolName:       "echo",
				Arguments:      json.RawMessage(`{"n":1}`),
				IdempotencyKey: "shared",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if KindOf(err) == ErrorKindConflict {
				conflicts++
				return
			}
			t.Errorf("unexpected error: %v", err)
		}()
	}
	close(start)
	time.Sleep(50 * time.Millisecond)
	close(session.release)
	wg.Wait()

	if successes+conflicts != workers || successes < 1 {
		t.Fatalf("unexpected outcomes: %d successes, %d conflicts", successes, conflicts)
	}
	if captured := entriesOfType(outbox.Entries(), OutboxEventCaptured); len(captured) != 1 {
		t.Fatalf("expected exactly one captured run, got %d", len(captured))
	}
	if transport.connects.Load() != 1 {
		t.Fatalf("expected one downstream invocation, got %d", transport.connects.Load())
	}
}

func TestService_WaitPolicyReturnsExisting(t *testing.T) {
	session := echoSession()
	session.release = make(chan struct{})
	cfg := DefaultConfig()
	cfg.Idempotency.ConflictPolicy = "return_existing"
	cfg.Idempotency.WaitTimeoutMS = 5000
	svc, _, _ := newTestService(t, cfg, session)

	req := CallRequest{Target: stdioTarget(), ToolName: "echo", IdempotencyKey: "waiting"}
	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Call(context.Background(), req)
		firstDone <- err
	}()
	for {
		if run, ok := svc.Store().Snapshot("waiting"); ok && run.Status == RunStatusProcessing {
			break
		}
		time.Sleep(time.Millisecond)
	}

	secondDone := make(chan CallResult, 1)
	go func() {
		result, err := svc.Call(context.Background(), req)
		if err != nil {
			t.Errorf("waiting call: %v", err)
		}
		secondDone <- result
	}()
	time.Sleep(20 * time.Millisecond)
	close(session.release)

	if err := <-firstDone; err != nil {
		t.Fatalf("first call: %v", err)
	}
	select {
	case result := <-secondDone:
		if !result.Trace.Replayed {
			t.Fatalf("expected the waiting call to replay, got %+v", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("waiting call did not return")
	}
}

func TestService_DurabilityFailureHoldsClaim(t *testing.T) {
	transport := &stubTransport{kind: TransportStdio, session: echoSession()}
	outbox := &flakyOutbox{MemoryOutbox: NewMemoryOutbox(), failures: 1}
	svc, err := NewService(DefaultConfig(),
		WithTransportResolver(newStubResolver(transport)),
		WithOutbox(outbox),
		WithLogger(stubLogger{}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	req := CallRequest{Target: stdioTarget(), ToolName: "echo", IdempotencyKey: "durable"}

	_, err = svc.Call(context.Background(), req)
	if KindOf(err) != ErrorKindDurability {
		t.Fatalf("expected durability error, got %v", err)
	}
	_, err = svc.Call(context.Background(), req)
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Metadata["reason"] != string(ConflictAwaitingDurability) {
		t.Fatalf("expected awaiting_durability conflict, got %v", err)
	}

	if _, err := svc.Reaper().Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	replayed, err := svc.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("replay after sweep: %v", err)
	}
	if !replayed.Trace.Replayed || transport.connects.Load() != 1 {
		t.Fatalf("expected replay without a second invocation, got %+v", replayed)
	}
}

func TestService_SweepDuringAppendLeavesOwnerRelease(t *testing.T) {
	transport := &stubTransport{kind: TransportStdio, session: echoSession()}
	outbox := newGateOutbox()
	svc, err := NewService(DefaultConfig(),
		WithTransportResolver(newStubResolver(transport)),
		WithOutbox(outbox),
		WithLogger(stubLogger{}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	type callOutcome struct {
		result CallResult
		err    error
	}
	done := make(chan callOutcome, 1)
	go func() {
		result, err := svc.Call(context.Background(), CallRequest{Target: stdioTarget(), ToolName: "echo", IdempotencyKey: "gated"})
		done <- callOutcome{result, err}
	}()

	<-outbox.entered
	stats, err := svc.Reaper().Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Retried != 0 || stats.Reaped != 0 {
		t.Fatalf("sweep must not touch an in-progress append, got %+v", stats)
	}
	close(outbox.release)

	outcome := <-done
	if outcome.err != nil {
		t.Fatalf("call: %v", outcome.err)
	}
	if !outcome.result.Trace.OutboxWritten {
		t.Fatalf("expected outbox write to be reported")
	}
	if got := len(entriesOfType(outbox.Entries(), OutboxEventCaptured)); got != 1 {
		t.Fatalf("expected one captured entry, got %d", got)
	}
}

func TestService_ProbeFailureDuringCompensationKeepsKeyRetryable(t *testing.T) {
	var failProbe bool
	probe := DryRunProbeFunc(func(context.Context, Target, string) (DryRunResult, error) {
		if failProbe {
			return DryRunResult{}, NewTransportError("stdio: child exited", errors.New("exit status 1"))
		}
		return DryRunResult{Safe: true, Reason: "tool is idempotent"}, nil
	})
	svc, _, _ := newTestService(t, DefaultConfig(), echoSession(), WithDryRunProbe(probe))
	ctx := context.Background()

	first := CallRequest{Target: stdioTarget(), ToolName: "echo", IdempotencyKey: "owner", ExternalRef: "order-1", Arguments: json.RawMessage(`{"text":"a"}`)}
	if _, err := svc.Call(ctx, first); err != nil {
		t.Fatalf("owner call: %v", err)
	}

	failProbe = true
	second := CallRequest{Target: stdioTarget(), ToolName: "echo", IdempotencyKey: "contender", ExternalRef: "order-1", Arguments: json.RawMessage(`{"text":"b"}`)}
	if _, err := svc.Call(ctx, second); KindOf(err) != ErrorKindTransport {
		t.Fatalf("expected transport error from failed probe, got %v", err)
	}
	if _, ok := svc.Store().Snapshot("contender"); ok {
		t.Fatalf("expected contender claim to be abandoned")
	}

	failProbe = false
	result, err := svc.Call(ctx, second)
	if err != nil {
		t.Fatalf("retry after probe recovered: %v", err)
	}
	if result.Trace.Compensation == nil || result.Trace.Compensation.Decision != CompensationProceed {
		t.Fatalf("expected proceed on retry, got %+v", result.Trace.Compensation)
	}
}

func TestService_ReapedRunReturnsTimeout(t *testing.T) {
	clock := newManualClock()
	session := echoSession()
	var svc *Service
	session.call = func(ctx context.Context, _ CallParams) (ToolResult, error) {
		clock.Advance(2 * time.Minute)
		if _, err := svc.Reaper().Sweep(ctx); err != nil {
			return ToolResult{}, err
		}
		return ToolResult{Content: json.RawMessage(`[]`)}, nil
	}
	svc, _, outbox := newTestService(t, DefaultConfig(), session, WithClock(clock.Now))

	_, err := svc.Call(context.Background(), CallRequest{Target: stdioTarget(), ToolName: "echo", IdempotencyKey: "slow"})
	if KindOf(err) != ErrorKindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	entries := outbox.Entries()
	if len(entriesOfType(entries, OutboxEventStuckReaped)) != 1 || len(entriesOfType(entries, OutboxEventCaptured)) != 0 {
		t.Fatalf("expected only a stuck_reaped entry, got %+v", entries)
	}
}

func TestService_TransportFailureRecordedAsFailedRun(t *testing.T) {
	svc, transport, outbox := newTestService(t, DefaultConfig(), echoSession())
	transport.connectErr = NewTransportError("stdio: child exited", errors.New("exit status 1"))

	result, err := svc.Call(context.Background(), CallRequest{Target: stdioTarget(), ToolName: "echo", IdempotencyKey: "broken"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.IsError || result.Trace.Event.State != RunStatusFailed || result.Trace.Event.ErrorKind != ErrorKindTransport {
		t.Fatalf("unexpected failed call: %+v", result)
	}
	if failed := entriesOfType(outbox.Entries(), OutboxEventFailed); len(failed) != 1 {
		t.Fatalf("expected one failed entry, got %d", len(failed))
	}
}

func TestService_StreamEndsWithSingleFinal(t *testing.T) {
	session := echoSession()
	progress := 1.0
	session.events = []StreamEvent{
		{Event: StreamEventChunk, Progress: &progress, Message: "working"},
		{Event: StreamEventFinal},
	}
	svc, _, _ := newTestService(t, DefaultConfig(), session)

	result, err := svc.Call(context.Background(), CallRequest{Target: stdioTarget(), ToolName: "echo", Stream: true})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := result.Trace.StreamEvents
	if len(events) != 2 || events[0].Event != StreamEventChunk || events[1].Event != StreamEventFinal {
		t.Fatalf("unexpected stream events: %+v", events)
	}
	var structured struct {
		Mode   string          `json:"mode"`
		Events []StreamEvent   `json:"events"`
		Final  json.RawMessage `json:"final"`
	}
	if err := json.Unmarshal(result.StructuredContent, &structured); err != nil {
		t.Fatalf("decode structured: %v", err)
	}
	if structured.Mode != "stream" || len(structured.Events) != 2 || len(structured.Final) == 0 {
		t.Fatalf("unexpected aggregated stream result: %s", result.StructuredContent)
	}
}

func TestService_CompensationMergeAndReject(t *testing.T) {
	svc, transport, outbox := newTestService(t, DefaultConfig(), echoSession())
	ctx := context.Background()
	owner := CallRequest{
		Target:         stdioTarget(),
		ToolName:       "echo",
		Arguments:      json.RawMessage(`{"amount":5}`),
		IdempotencyKey: "key_a",
		ExternalRef:    "order-42",
	}
	if _, err := svc.Call(ctx, owner); err != nil {
		t.Fatalf("owner call: %v", err)
	}

	merge := owner
	merge.IdempotencyKey = "key_b"
	merged, err := svc.Call(ctx, merge)
	if err != nil {
		t.Fatalf("merge call: %v", err)
	}
	if merged.Trace.Compensation == nil || merged.Trace.Compensation.Decision != CompensationMerge || !merged.Trace.Replayed {
		t.Fatalf("expected merge, got %+v", merged.Trace)
	}
	if transport.connects.Load() != 1 {
		t.Fatalf("merge must not invoke the tool again, got %d connects", transport.connects.Load())
	}
	if merged.Trace.Event.Compensation != string(CompensationMerge) {
		t.Fatalf("expected merged run to record compensation, got %q", merged.Trace.Event.Compensation)
	}

	reject := owner
	reject.IdempotencyKey = "key_c"
	reject.Arguments = json.RawMessage(`{"amount":7}`)
	_, err = svc.Call(ctx, reject)
	if KindOf(err) != ErrorKindCompensation {
		t.Fatalf("expected compensation error, got %v", err)
	}
	_, err = svc.Call(ctx, reject)
	if KindOf(err) != ErrorKindCompensation {
		t.Fatalf("expected replayed compensation error, got %v", err)
	}
	if failed := entriesOfType(outbox.Entries(), OutboxEventFailed); len(failed) != 1 || failed[0].Run.ErrorKind != ErrorKindCompensation {
		t.Fatalf("expected one failed compensation entry, got %+v", failed)
	}
}

func TestService_CompensationProceedsForReadOnlyTool(t *testing.T) {
	svc, transport, _ := newTestService(t, DefaultConfig(), echoSession())
	ctx := context.Background()
	first := CallRequest{Target: stdioTarget(), ToolName: "lookup", Arguments: json.RawMessage(`{"id":1}`), IdempotencyKey: "k1", ExternalRef: "doc-1"}
	if _, err := svc.Call(ctx, first); err != nil {
		t.Fatalf("first call: %v", err)
	}
	second := first
	second.IdempotencyKey = "k2"
	second.Arguments = json.RawMessage(`{"id":2}`)
	result, err := svc.Call(ctx, second)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if result.Trace.Compensation == nil || result.Trace.Compensation.Decision != CompensationProceed {
		t.Fatalf("expected proceed, got %+v", result.Trace.Compensation)
	}
	// one connect per call plus one for the dry-run listing
	if transport.connects.Load() != 3 {
		t.Fatalf("expected 3 connects, got %d", transport.connects.Load())
	}
	if owner, ok := svc.Store().FindExternalRef("doc-1"); !ok || owner.IdempotencyKey != "k2" {
		t.Fatalf("expected k2 to own doc-1 after proceed, got %+v", owner)
	}
}

func TestService_ErrorBudgetFreezesAndPersists(t *testing.T) {
	clock := newManualClock()
	cfg := DefaultConfig()
	cfg.ErrorBudget = ErrorBudgetConfig{
		Enabled:          true,
		SuccessThreshold: 0.8,
		MinRequests:      3,
		SampleWindowSecs: 120,
		FreezeSecs:       30,
	}
	metrics := &captureMetricsRecorder{}
	svc, transport, outbox := newTestService(t, cfg, echoSession(), WithClock(clock.Now), WithMetricsRecorder(metrics))
	transport.connectErr = NewTransportError("connection refused", nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Call(ctx, CallRequest{Target: stdioTarget(), ToolName: "echo"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := svc.Call(ctx, CallRequest{Target: stdioTarget(), ToolName: "echo"})
	if KindOf(err) != ErrorKindBudget {
		t.Fatalf("expected budget exhaustion, got %v", err)
	}
	if frozen := entriesOfType(outbox.Entries(), OutboxEventBudgetFrozen); len(frozen) != 1 {
		t.Fatalf("expected one freeze entry, got %d", len(frozen))
	}
	if metrics.level(MetricBudgetFrozen) != 1 {
		t.Fatalf("expected frozen gauge set")
	}
	if status := svc.ErrorBudgetStatus(ctx); !status.Frozen {
		t.Fatalf("expected frozen status, got %+v", status)
	}

	restarted, _, _ := newTestService(t, cfg, echoSession(), WithClock(clock.Now), WithOutbox(outbox))
	if status := restarted.ErrorBudgetStatus(ctx); !status.Frozen {
		t.Fatalf("expected freeze to survive restart, got %+v", status)
	}

	clock.Advance(121 * time.Second)
	transport.connectErr = nil
	if _, err := svc.Call(ctx, CallRequest{Target: stdioTarget(), ToolName: "echo"}); err != nil {
		t.Fatalf("call after thaw: %v", err)
	}
	if cleared := entriesOfType(outbox.Entries(), OutboxEventBudgetCleared); len(cleared) != 1 {
		t.Fatalf("expected one cleared entry, got %d", len(cleared))
	}
	if metrics.level(MetricBudgetFrozen) != 0 {
		t.Fatalf("expected frozen gauge cleared")
	}
}

func TestService_InflightGaugeReturnsToZero(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	svc, _, _ := newTestService(t, DefaultConfig(), echoSession(), WithMetricsRecorder(metrics))
	if _, err := svc.Call(context.Background(), CallRequest{Target: stdioTarget(), ToolName: "echo"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if metrics.level(MetricInflight) != 0 {
		t.Fatalf("expected inflight gauge back at zero, got %v", metrics.level(MetricInflight))
	}
	if metrics.counterTotal("inspector.call.total", map[string]string{"status": "success"}) != 1 {
		t.Fatalf("expected call success counter")
	}
	if metrics.counterTotal(MetricOutboxWrites, nil) != 1 {
		t.Fatalf("expected one outbox write")
	}
}

func TestService_StartBackgroundAndClose(t *testing.T) {
	sink := ReplaySinkFunc(func(context.Context, OutboxEntry) error { return nil })
	cfg := DefaultConfig()
	cfg.Replay.IntervalMS = 10
	svc, _, _ := newTestService(t, cfg, echoSession(), WithReplaySink(sink))
	if svc.Dispatcher() == nil {
		t.Fatalf("expected dispatcher when a replay sink is configured")
	}
	svc.StartBackground(context.Background())
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
