package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

var ErrTransportNotConfigured = errors.New("core: transport resolver is not configured")

type CallRequest struct {
	Target         Target          `json:"target"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ExternalRef    string          `json:"external_reference,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

type CallTrace struct {
	Event         *InspectionRunEvent `json:"event"`
	StreamEvents  []StreamEvent       `json:"stream_events"`
	OutboxWritten bool                `json:"outbox_written"`
	Replayed      bool                `json:"replayed"`
	Compensation  *CompensationResult `json:"compensation,omitempty"`
}

type CallResult struct {
	Content           json.RawMessage `json:"content"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	IsError           bool            `json:"is_error"`
	Trace             CallTrace       `json:"trace"`
}

// callEnvelope is the cached, replayable part of a call result.
type callEnvelope struct {
	Content           json.RawMessage `json:"content"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	IsError           bool            `json:"is_error"`
}

type Service struct {
	config         Config
	loggerProvider LoggerProvider
	errorMapper    ErrorMapper
	transports     TransportResolver
	store          *IdempotencyStore
	outbox         Outbox
	budget         *ErrorBudget
	compensator    *Compensator
	validator      SchemaValidator
	catalog        ToolCatalog
	reaper         *Reaper
	dispatcher     *OutboxDispatcher
	now            Clock
	telemetry

	background sync.WaitGroup
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("inspector", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("inspector"); named != nil {
			logger = glog.Ensure(named)
		}
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.clock == nil {
		builder.clock = systemClock
	}

	defaults := DefaultConfig()
	loaded := defaults
	if builder.configProvider != nil {
		var err error
		loaded, err = builder.configProvider.Load(context.Background(), defaults)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}
	resolved := loaded
	if builder.optionsResolver != nil {
		var err error
		resolved, err = builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	tel := telemetry{logger: logger, metrics: builder.metricsRecorder}
	svc := &Service{
		config:         resolved,
		loggerProvider: provider,
		errorMapper:    builder.errorMapper,
		transports:     builder.transportResolver,
		outbox:         builder.outbox,
		validator:      builder.schemaValidator,
		catalog:        builder.toolCatalog,
		now:            builder.clock,
		telemetry:      tel,
	}
	if svc.outbox == nil {
		svc.outbox = NewMemoryOutbox()
	}

	svc.store = builder.store
	if svc.store == nil {
		svc.store = NewIdempotencyStore(
			WithClaimTTL(resolved.Reaper.TTL()),
			WithStoreClock(builder.clock),
			WithStoreLockObserver(tel.lockWaitObserver()),
		)
	}

	budget, err := NewErrorBudget(resolved.ErrorBudget.Params())
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	budget.SetLockObserver(tel.lockWaitObserver())
	svc.budget = budget

	probe := builder.dryRunProbe
	if probe == nil {
		probe = DryRunProbeFunc(svc.annotationDryRun)
	}
	svc.compensator = NewCompensator(probe)
	for tool, comparator := range builder.comparators {
		svc.compensator.Register(tool, comparator)
	}

	svc.reaper = NewReaper(svc.store, svc.outbox,
		WithReaperInterval(resolved.Reaper.Interval()),
		WithReaperClock(builder.clock),
		WithReaperLogger(logger),
		WithReaperMetrics(builder.metricsRecorder),
	)
	if builder.replaySink != nil {
		dispatcher, err := NewOutboxDispatcher(svc.outbox, builder.replaySink, resolved.Replay.DispatcherConfig())
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
		svc.dispatcher = dispatcher.WithTelemetry(logger, builder.metricsRecorder)
	}

	if history, ok := svc.outbox.(OutboxHistory); ok {
		restored, err := svc.budget.Restore(context.Background(), history, svc.now())
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
		if restored {
			svc.setGauge(context.Background(), MetricBudgetFrozen, 1, nil)
			svc.logWarn(context.Background(), "error budget freeze restored from outbox", nil)
		}
	}

	return svc, nil
}

var Setup = NewService

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Store() *IdempotencyStore {
	return s.store
}

func (s *Service) Outbox() Outbox {
	return s.outbox
}

func (s *Service) Reaper() *Reaper {
	return s.reaper
}

func (s *Service) Dispatcher() *OutboxDispatcher {
	return s.dispatcher
}

func (s *Service) Compensator() *Compensator {
	return s.compensator
}

func (s *Service) Logger() Logger {
	return s.logger
}

func (s *Service) LoggerProvider() LoggerProvider {
	return s.loggerProvider
}

func (s *Service) MetricsRecorder() MetricsRecorder {
	return s.metrics
}

// StartBackground launches the reaper and, when a replay sink is configured,
// the outbox replay loop. Close stops them.
func (s *Service) StartBackground(ctx context.Context) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if !s.config.Reaper.Disabled {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			_ = s.reaper.Run(ctx)
		}()
	}
	if s.dispatcher != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			_ = s.dispatcher.Run(ctx, s.config.Replay.Interval())
		}()
	}
}

func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.background.Wait()
		if closer, ok := s.outbox.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

func (s *Service) ErrorBudgetStatus(context.Context) ErrorBudgetStatus {
	return s.budget.Status(s.now())
}

func (s *Service) Probe(ctx context.Context, target Target) (ProbeResult, error) {
	startedAt := time.Now()
	kind := target.Kind()
	result := ProbeResult{Transport: string(kind)}
	fail := func(message string) (ProbeResult, error) {
		result.Error = &message
		s.observeOperation(ctx, startedAt, string(OperationProbe), errors.New(message), map[string]any{
			"transport": string(kind),
		})
		return result, nil
	}

	switch kind {
	case TransportStdio:
		if strings.TrimSpace(target.Command) == "" {
			return fail("missing command for stdio")
		}
	case TransportSSE, TransportHTTP:
		if strings.TrimSpace(target.URL) == "" {
			return fail("missing url")
		}
	default:
		return fail("unsupported transport " + quote(string(target.Transport)))
	}

	done := s.track(ctx)
	defer done()
	connectStarted := time.Now()
	session, err := s.connect(ctx, target)
	if err != nil {
		return fail(err.Error())
	}
	latency := time.Since(connectStarted).Milliseconds()
	info := session.ServerInfo()
	_ = session.Close()

	result.OK = true
	result.LatencyMS = &latency
	if info.Name != "" {
		name := info.Name
		result.ServerName = &name
	}
	if info.Version != "" {
		version := info.Version
		result.Version = &version
	}
	s.observeOperation(ctx, startedAt, string(OperationProbe), nil, map[string]any{
		"transport":  string(kind),
		"latency_ms": latency,
	})
	return result, nil
}

func (s *Service) ListTools(ctx context.Context, target Target) (tools []ToolDescriptor, err error) {
	startedAt := time.Now()
	target = target.WithDefaultCommand(s.config.StdioCommand)
	defer func() {
		s.observeOperation(ctx, startedAt, string(OperationList), err, map[string]any{
			"transport":  string(target.Kind()),
			"tool_count": len(tools),
		})
	}()
	if err := target.Validate(); err != nil {
		return nil, err
	}
	done := s.track(ctx)
	defer done()
	return s.listTools(ctx, target)
}

func (s *Service) listTools(ctx context.Context, target Target) ([]ToolDescriptor, error) {
	fetch := func(ctx context.Context) ([]ToolDescriptor, error) {
		session, err := s.connect(ctx, target)
		if err != nil {
			return nil, err
		}
		defer session.Close()
		tools, err := session.ListTools(ctx)
		if err != nil {
			return nil, s.mapError(err)
		}
		return tools, nil
	}
	return fetch(ctx)
}

func (s *Service) Describe(ctx context.Context, target Target, toolName string) (result DescribeResult, err error) {
	startedAt := time.Now()
	target = target.WithDefaultCommand(s.config.StdioCommand)
	toolName = strings.TrimSpace(toolName)
	defer func() {
		s.observeOperation(ctx, startedAt, string(OperationDescribe), err, map[string]any{
			"transport": string(target.Kind()),
			"tool_name": toolName,
			"validated": result.Validated,
		})
	}()
	if toolName == "" {
		return DescribeResult{}, NewValidationError("tool name is required", goerrors.FieldError{Field: "tool_name", Message: "required"})
	}
	if err := target.Validate(); err != nil {
		return DescribeResult{}, err
	}
	done := s.track(ctx)
	defer done()

	var tools []ToolDescriptor
	if s.catalog != nil {
		tools, err = s.catalog.Tools(ctx, target, func(ctx context.Context) ([]ToolDescriptor, error) {
			return s.listTools(ctx, target)
		})
	} else {
		tools, err = s.listTools(ctx, target)
	}
	if err != nil {
		return DescribeResult{}, err
	}
	for _, tool := range tools {
		if tool.Name != toolName {
			continue
		}
		result = DescribeResult{Tool: tool, Schema: cloneRaw(tool.Schema)}
		result.Validated, result.Issues = s.validateSchema(tool.Schema)
		return result, nil
	}
	return DescribeResult{}, NewValidationError("tool " + quote(toolName) + " not found")
}

func (s *Service) validateSchema(schema json.RawMessage) (bool, []string) {
	if s.validator != nil {
		return s.validator.ValidateToolSchema(schema)
	}
	var object map[string]any
	if err := json.Unmarshal(schema, &object); err != nil {
		return false, []string{"schema is not a JSON object"}
	}
	return true, nil
}

// Call runs one tool invocation under the idempotency protocol: admit,
// claim, compensate, dispatch, resolve, persist, release.
func (s *Service) Call(ctx context.Context, req CallRequest) (result CallResult, err error) {
	startedAt := time.Now()
	target := req.Target.WithDefaultCommand(s.config.StdioCommand)
	operation := OperationCall
	if req.Stream {
		operation = OperationStream
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	fields := map[string]any{
		"transport": string(target.Kind()),
		"tool_name": strings.TrimSpace(req.ToolName),
	}
	defer func() {
		fields["is_error"] = result.IsError
		fields["replayed"] = result.Trace.Replayed
		fields["idempotency_key"] = key
		if result.Trace.Event != nil {
			fields["run_id"] = result.Trace.Event.RunID
		}
		s.observeOperation(ctx, startedAt, string(operation), err, fields)
	}()

	params, err := s.validateCall(req, target)
	if err != nil {
		return CallResult{}, err
	}

	thawed, err := s.budget.Admit(s.now())
	if err != nil {
		s.setGauge(ctx, MetricBudgetFrozen, 1, nil)
		return CallResult{}, err
	}
	if thawed {
		s.persistBudgetEvent(ctx, OutboxEventBudgetCleared, nil)
	}

	if key == "" {
		key = uuid.NewString()
	}
	request, _ := json.Marshal(params)
	claim, err := s.claim(ctx, ClaimRequest{
		Key:         key,
		ExternalRef: req.ExternalRef,
		Operation:   operation,
		Target:      target,
		ToolName:    params.Name,
		Request:     request,
	})
	if err != nil {
		return CallResult{}, err
	}
	if claim.Status == ClaimExisting {
		return s.replay(claim)
	}

	done := s.track(ctx)
	defer done()

	var compensation *CompensationResult
	if claim.Collision != nil {
		resolved, compErr := s.compensator.Resolve(ctx, claim.Collision, target, params)
		compensation = &resolved
		s.recordCounter(ctx, MetricCompensations, 1, map[string]string{"decision": string(resolved.Decision)})
		switch {
		case compErr != nil && KindOf(compErr) != ErrorKindCompensation:
			s.abandon(ctx, claim.Token, compErr)
			return CallResult{}, compErr
		case compErr != nil:
			return s.finishRejected(ctx, claim.Token, compErr, compensation)
		case resolved.Decision == CompensationMerge:
			return s.finishMerged(ctx, claim, compensation)
		}
		if err := s.store.RecordExternalRef(claim.Token); err != nil {
			s.abandon(ctx, claim.Token, err)
			return CallResult{}, s.mapError(err)
		}
	}

	if _, err := s.store.Start(claim.Token); err != nil {
		s.abandon(ctx, claim.Token, err)
		return CallResult{}, s.resolutionError(claim.Token, err)
	}

	envelope, streamEvents, callErr := s.invoke(ctx, target, params, req.Stream)
	outcome := RunOutcome{StreamEvents: streamEvents}
	if callErr != nil {
		mapped := s.mapError(callErr)
		kind := KindOf(mapped)
		envelope = errorEnvelope(mapped.Error(), kind)
		outcome.Error = &RunError{Kind: kind, Message: mapped.Error()}
	}
	outcome.Result, _ = json.Marshal(envelope)

	result, err = s.resolveAndPersist(ctx, claim.Token, outcome)
	if err != nil {
		return result, err
	}
	result.Trace.Compensation = compensation
	s.recordBudget(ctx, callErr == nil && !envelope.IsError)
	return result, nil
}

func (s *Service) validateCall(req CallRequest, target Target) (CallParams, error) {
	name := strings.TrimSpace(req.ToolName)
	if name == "" {
		return CallParams{}, NewValidationError("tool name is required", goerrors.FieldError{Field: "tool_name", Message: "required"})
	}
	if err := target.Validate(); err != nil {
		return CallParams{}, err
	}
	args := compactRaw(req.Arguments)
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	var object map[string]any
	if err := json.Unmarshal(args, &object); err != nil {
		return CallParams{}, NewValidationError("arguments must be a JSON object", goerrors.FieldError{Field: "arguments", Message: err.Error()})
	}
	return CallParams{Name: name, Arguments: args}, nil
}

// claim retries under the wait policy until the key is acquirable or the
// wait budget runs out.
func (s *Service) claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	policy := NormalizeConflictPolicy(s.config.Idempotency.ConflictPolicy)
	var waitCtx context.Context = ctx
	if policy == ConflictPolicyWait {
		if timeout := s.config.Idempotency.WaitTimeout(); timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	for {
		claim, err := s.store.Claim(req)
		if err != nil {
			return ClaimResult{}, err
		}
		if claim.Status != ClaimConflict {
			return claim, nil
		}
		if policy != ConflictPolicyWait || claim.Done == nil {
			return ClaimResult{}, NewConflictError(req.Key, claim.Reason, claim.Run)
		}
		select {
		case <-claim.Done:
		case <-waitCtx.Done():
			return ClaimResult{}, NewConflictError(req.Key, claim.Reason, claim.Run)
		}
	}
}

func (s *Service) invoke(ctx context.Context, target Target, params CallParams, stream bool) (callEnvelope, []StreamEvent, error) {
	session, err := s.connect(ctx, target)
	if err != nil {
		return callEnvelope{}, nil, err
	}
	defer session.Close()

	if !stream {
		out, err := session.CallTool(ctx, params)
		if err != nil {
			return callEnvelope{}, nil, err
		}
		return callEnvelope{
			Content:           defaultContent(out.Content),
			StructuredContent: out.StructuredContent,
			IsError:           out.IsError,
		}, nil, nil
	}

	out, err := session.StreamTool(ctx, params, nil)
	events := ensureFinalEvent(out)
	if err != nil {
		return callEnvelope{}, events, err
	}
	final := callEnvelope{
		Content:           defaultContent(out.Content),
		StructuredContent: out.StructuredContent,
		IsError:           out.IsError,
	}
	finalRaw, _ := json.Marshal(final)
	structured, _ := json.Marshal(map[string]any{
		"mode":   "stream",
		"events": events,
		"final":  json.RawMessage(finalRaw),
	})
	return callEnvelope{
		Content:           final.Content,
		StructuredContent: structured,
		IsError:           out.IsError,
	}, events, nil
}

// ensureFinalEvent guarantees the sequence ends with exactly one final event.
func ensureFinalEvent(out ToolResult) []StreamEvent {
	events := make([]StreamEvent, 0, len(out.StreamEvents)+1)
	var failure string
	for _, event := range out.StreamEvents {
		if event.Event == StreamEventFinal {
			if event.Error != "" {
				failure = event.Error
			}
			continue
		}
		events = append(events, event)
	}
	events = append(events, StreamEvent{
		Event:      StreamEventFinal,
		Structured: out.StructuredContent,
		Content:    defaultContent(out.Content),
		Error:      failure,
	})
	return events
}

func (s *Service) resolveAndPersist(ctx context.Context, token ClaimToken, outcome RunOutcome) (CallResult, error) {
	entry, err := s.store.Resolve(token, outcome)
	if err != nil {
		return CallResult{}, s.resolutionError(token, err)
	}
	if err := s.persist(ctx, token, entry); err != nil {
		return CallResult{}, err
	}
	envelope := callEnvelope{}
	_ = json.Unmarshal(outcome.Result, &envelope)
	return CallResult{
		Content:           defaultContent(envelope.Content),
		StructuredContent: envelope.StructuredContent,
		IsError:           envelope.IsError,
		Trace: CallTrace{
			Event:         entry.Run,
			StreamEvents:  cloneStreamEvents(outcome.StreamEvents),
			OutboxWritten: true,
		},
	}, nil
}

// persist appends the sealed entry and only then releases the claim. A
// failed append keeps the claim held for the reaper to retry.
func (s *Service) persist(ctx context.Context, token ClaimToken, entry OutboxEntry) error {
	if err := s.outbox.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.store.MarkAppendFailed(token)
		s.logError(ctx, "outbox append failed; claim held", map[string]any{
			"event_id":        entry.EventID,
			"run_id":          token.RunID,
			"idempotency_key": token.Key,
			"error":           err.Error(),
		})
		var rich *goerrors.Error
		if goerrors.As(err, &rich) && rich.TextCode == InspectorErrorDurability {
			return rich
		}
		return NewDurabilityError("inspector: outbox append failed", err, map[string]any{
			"event_id":        entry.EventID,
			"run_id":          token.RunID,
			"idempotency_key": token.Key,
		})
	}
	s.recordCounter(ctx, MetricOutboxWrites, 1, map[string]string{"event_type": string(entry.EventType)})
	if err := s.store.Release(token); err != nil {
		return s.resolutionError(token, err)
	}
	return nil
}

// abandon frees a claim that never reached processing so the caller can
// retry the key.
func (s *Service) abandon(ctx context.Context, token ClaimToken, cause error) {
	if err := s.store.Abandon(token); err != nil {
		return
	}
	s.logWarn(ctx, "claim abandoned before dispatch", map[string]any{
		"idempotency_key": token.Key,
		"run_id":          token.RunID,
		"error":           cause.Error(),
	})
}

func (s *Service) resolutionError(token ClaimToken, err error) error {
	if errors.Is(err, ErrRunReaped) {
		return NewTimeoutError("inspector: run was reaped before completion", map[string]any{
			"idempotency_key": token.Key,
			"run_id":          token.RunID,
			"reason":          FailureReasonStuckTimeout,
		})
	}
	return s.mapError(err)
}

func (s *Service) finishMerged(ctx context.Context, claim ClaimResult, compensation *CompensationResult) (CallResult, error) {
	if err := s.store.RecordExternalRef(claim.Token); err != nil {
		s.abandon(ctx, claim.Token, err)
		return CallResult{}, s.mapError(err)
	}
	if _, err := s.store.Start(claim.Token); err != nil {
		s.abandon(ctx, claim.Token, err)
		return CallResult{}, s.resolutionError(claim.Token, err)
	}
	var previous json.RawMessage
	var events []StreamEvent
	if claim.Collision.Run != nil {
		previous = claim.Collision.Run.Result
		events = claim.Collision.Run.StreamEvents
	}
	result, err := s.resolveAndPersist(ctx, claim.Token, RunOutcome{
		Result:       previous,
		StreamEvents: events,
		Compensation: string(CompensationMerge),
	})
	if err != nil {
		return result, err
	}
	result.Trace.Replayed = true
	result.Trace.Compensation = compensation
	return result, nil
}

func (s *Service) finishRejected(ctx context.Context, token ClaimToken, compErr error, compensation *CompensationResult) (CallResult, error) {
	if _, err := s.store.Start(token); err != nil {
		s.abandon(ctx, token, err)
		return CallResult{}, s.resolutionError(token, err)
	}
	outcome := RunOutcome{Error: &RunError{
		Kind:    ErrorKindCompensation,
		Message: compErr.Error(),
		Reason:  "compensation_required",
	}}
	outcome.Result, _ = json.Marshal(errorEnvelope(compErr.Error(), ErrorKindCompensation))
	if _, err := s.resolveAndPersist(ctx, token, outcome); err != nil {
		return CallResult{}, err
	}
	s.logWarn(ctx, "compensation rejected call", map[string]any{
		"idempotency_key": token.Key,
		"external_ref":    compensation.ExternalRef,
		"owner_key":       compensation.OwnerKey,
	})
	return CallResult{}, compErr
}

func (s *Service) replay(claim ClaimResult) (CallResult, error) {
	run := claim.Run
	if run != nil && run.Error != nil && run.Error.Kind == ErrorKindCompensation {
		return CallResult{}, NewCompensationError(run.Error.Message, map[string]any{
			"idempotency_key": run.IdempotencyKey,
			"run_id":          run.RunID,
			"external_ref":    run.ExternalRef,
		})
	}
	envelope := callEnvelope{}
	var events []StreamEvent
	if run != nil {
		_ = json.Unmarshal(run.Result, &envelope)
		events = cloneStreamEvents(run.StreamEvents)
	}
	return CallResult{
		Content:           defaultContent(envelope.Content),
		StructuredContent: envelope.StructuredContent,
		IsError:           envelope.IsError,
		Trace: CallTrace{
			Event:         claim.Event,
			StreamEvents:  events,
			OutboxWritten: true,
			Replayed:      true,
		},
	}, nil
}

func (s *Service) recordBudget(ctx context.Context, success bool) {
	outcome := s.budget.Record(success, s.now())
	switch outcome.Kind {
	case RecordFreezeTriggered:
		s.persistBudgetEvent(ctx, OutboxEventBudgetFrozen, outcome.Freeze)
	case RecordFreezeCleared:
		s.persistBudgetEvent(ctx, OutboxEventBudgetCleared, nil)
	}
}

func (s *Service) persistBudgetEvent(ctx context.Context, eventType OutboxEventType, report *FreezeReport) {
	frozen := 0.0
	fields := map[string]any{"event_type": string(eventType)}
	if report != nil {
		frozen = 1
		fields["frozen_until"] = report.Until.UTC().Format(time.RFC3339)
		fields["success_rate"] = report.SuccessRate
		fields["sample_size"] = report.SampleSize
	}
	s.setGauge(ctx, MetricBudgetFrozen, frozen, nil)
	if err := s.outbox.Append(context.WithoutCancel(ctx), NewFreezeOutboxEntry(eventType, report, s.now())); err != nil {
		fields["error"] = err.Error()
		s.logError(ctx, "error budget event not persisted", fields)
		return
	}
	s.logWarn(ctx, "error budget "+strings.TrimPrefix(string(eventType), "error_budget_"), fields)
}

func (s *Service) connect(ctx context.Context, target Target) (Session, error) {
	if s.transports == nil {
		return nil, NewTransportError(ErrTransportNotConfigured.Error(), ErrTransportNotConfigured)
	}
	client, err := s.transports.Resolve(target.Kind())
	if err != nil {
		return nil, s.mapError(err)
	}
	session, err := client.Connect(ctx, target)
	if err != nil {
		return nil, s.mapError(err)
	}
	return session, nil
}

func (s *Service) annotationDryRun(ctx context.Context, target Target, toolName string) (DryRunResult, error) {
	tools, err := s.listTools(ctx, target)
	if err != nil {
		return DryRunResult{}, err
	}
	return AnnotationDryRun(tools, toolName), nil
}

func (s *Service) track(ctx context.Context) func() {
	s.addGauge(ctx, MetricInflight, 1, nil)
	return func() {
		s.addGauge(ctx, MetricInflight, -1, nil)
	}
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s.errorMapper == nil {
		return err
	}
	if mapped := s.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

// MapError exposes the configured mapper to adapters.
func (s *Service) MapError(err error) error {
	return s.mapError(err)
}

func errorEnvelope(message string, kind ErrorKind) callEnvelope {
	text, _ := json.Marshal([]map[string]string{{"type": "text", "text": message}})
	structured, _ := json.Marshal(map[string]string{"error": message, "kind": string(kind)})
	return callEnvelope{Content: text, StructuredContent: structured, IsError: true}
}

func defaultContent(content json.RawMessage) json.RawMessage {
	if len(content) == 0 || string(content) == "null" {
		return json.RawMessage(`[]`)
	}
	return content
}

func (r CallResult) String() string {
	return fmt.Sprintf("call(is_error=%t, replayed=%t)", r.IsError, r.Trace.Replayed)
}
