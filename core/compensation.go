package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

type CompensationDecision string

// CompensationDeferred means the dry-run probe could not reach the target;
// nothing was decided and the key stays retryable.
const (
	CompensationMerge    CompensationDecision = "merge"
	CompensationProceed  CompensationDecision = "proceed"
	CompensationReject   CompensationDecision = "reject"
	CompensationDeferred CompensationDecision = "deferred"
)

type Equivalence int

const (
	EquivalenceUnknown Equivalence = iota
	EquivalenceEquivalent
	EquivalenceConflicting
)

func (e Equivalence) String() string {
	switch e {
	case EquivalenceEquivalent:
		return "equivalent"
	case EquivalenceConflicting:
		return "conflicting"
	default:
		return "unknown"
	}
}

// EffectComparator decides whether a new call would reproduce the downstream
// effect already captured for the same external reference.
type EffectComparator interface {
	Compare(existing *InspectionRunEvent, request CallParams) Equivalence
}

type EffectComparatorFunc func(existing *InspectionRunEvent, request CallParams) Equivalence

func (fn EffectComparatorFunc) Compare(existing *InspectionRunEvent, request CallParams) Equivalence {
	return fn(existing, request)
}

type DryRunResult struct {
	Safe   bool
	Reason string
}

// DryRunProbe inspects the target without invoking the tool.
type DryRunProbe interface {
	ProbeEffect(ctx context.Context, target Target, toolName string) (DryRunResult, error)
}

type DryRunProbeFunc func(ctx context.Context, target Target, toolName string) (DryRunResult, error)

func (fn DryRunProbeFunc) ProbeEffect(ctx context.Context, target Target, toolName string) (DryRunResult, error) {
	return fn(ctx, target, toolName)
}

type CompensationResult struct {
	Decision    CompensationDecision `json:"decision"`
	Reason      string               `json:"reason,omitempty"`
	ExternalRef string               `json:"external_ref"`
	OwnerKey    string               `json:"owner_key"`
	Existing    *InspectionRunEvent  `json:"-"`
}

type Compensator struct {
	mu          sync.RWMutex
	comparators map[string]EffectComparator
	fallback    EffectComparator
	probe       DryRunProbe
}

func NewCompensator(probe DryRunProbe) *Compensator {
	return &Compensator{
		comparators: map[string]EffectComparator{},
		fallback:    CanonicalArgumentsComparator{},
		probe:       probe,
	}
}

// Register installs the comparator for one tool; a nil comparator removes it.
func (c *Compensator) Register(toolName string, comparator EffectComparator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	toolName = strings.TrimSpace(toolName)
	if comparator == nil {
		delete(c.comparators, toolName)
		return
	}
	c.comparators[toolName] = comparator
}

func (c *Compensator) comparator(toolName string) EffectComparator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cmp, ok := c.comparators[toolName]; ok {
		return cmp
	}
	return c.fallback
}

// Resolve returns merge, proceed, or a CompensationError for a collision.
func (c *Compensator) Resolve(ctx context.Context, collision *Collision, target Target, request CallParams) (CompensationResult, error) {
	if collision == nil {
		return CompensationResult{Decision: CompensationProceed}, nil
	}
	result := CompensationResult{
		ExternalRef: collision.ExternalRef,
		OwnerKey:    collision.OwnerKey,
		Existing:    collision.Event,
	}
	metadata := map[string]any{
		"external_ref": collision.ExternalRef,
		"owner_key":    collision.OwnerKey,
		"tool_name":    request.Name,
	}
	if collision.Run != nil {
		metadata["owner_run_id"] = collision.Run.RunID
	}

	switch c.comparator(request.Name).Compare(collision.Event, request) {
	case EquivalenceEquivalent:
		result.Decision = CompensationMerge
		result.Reason = "equivalent effect already captured"
		return result, nil
	case EquivalenceConflicting:
		result.Decision = CompensationReject
		metadata["equivalence"] = EquivalenceConflicting.String()
		return result, NewCompensationError(
			"inspector: external reference "+quote(collision.ExternalRef)+" already holds a conflicting effect",
			metadata,
		)
	}

	metadata["equivalence"] = EquivalenceUnknown.String()
	if c.probe == nil {
		result.Decision = CompensationReject
		return result, NewCompensationError("inspector: effect equivalence unknown and no dry-run probe configured", metadata)
	}
	probe, err := c.probe.ProbeEffect(ctx, target, request.Name)
	if err != nil {
		// A failed probe says nothing about the effect; the caller may retry.
		result.Decision = CompensationDeferred
		result.Reason = "dry-run probe failed"
		if KindOf(err) == ErrorKindTransport || KindOf(err) == ErrorKindTimeout {
			return result, err
		}
		return result, NewTransportError("inspector: dry-run probe failed for "+quote(request.Name), err).WithMetadata(metadata)
	}
	if !probe.Safe {
		result.Decision = CompensationReject
		metadata["probe_reason"] = probe.Reason
		return result, NewCompensationError("inspector: duplicate effect on "+quote(collision.ExternalRef)+" is ambiguous", metadata)
	}
	result.Decision = CompensationProceed
	result.Reason = probe.Reason
	return result, nil
}

// CanonicalArgumentsComparator treats two calls of the same tool with
// canonically equal arguments as the same effect. Anything else is unknown.
type CanonicalArgumentsComparator struct{}

func (CanonicalArgumentsComparator) Compare(existing *InspectionRunEvent, request CallParams) Equivalence {
	if existing == nil || existing.State != RunStatusCaptured {
		return EquivalenceUnknown
	}
	var previous CallParams
	if err := json.Unmarshal(existing.Request, &previous); err != nil {
		return EquivalenceUnknown
	}
	if previous.Name != request.Name {
		return EquivalenceUnknown
	}
	left, err := CanonicalJSON(previous.Arguments)
	if err != nil {
		return EquivalenceUnknown
	}
	right, err := CanonicalJSON(request.Arguments)
	if err != nil {
		return EquivalenceUnknown
	}
	if bytes.Equal(left, right) {
		return EquivalenceEquivalent
	}
	return EquivalenceUnknown
}

// CanonicalJSON re-encodes raw with sorted keys and NFC-normalized strings.
// Empty input canonicalizes to an empty object.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeJSONValue(value))
}

func normalizeJSONValue(value any) any {
	switch typed := value.(type) {
	case string:
		return norm.NFC.String(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[norm.NFC.String(key)] = normalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeJSONValue(item)
		}
		return out
	default:
		return value
	}
}

// AnnotationDryRun is the default probe: a tool is safe to repeat when it
// declares itself read-only or idempotent.
func AnnotationDryRun(tools []ToolDescriptor, toolName string) DryRunResult {
	for _, tool := range tools {
		if tool.Name != toolName {
			continue
		}
		if tool.Annotations == nil {
			return DryRunResult{Reason: "tool declares no annotations"}
		}
		if tool.Annotations.ReadOnlyHint != nil && *tool.Annotations.ReadOnlyHint {
			return DryRunResult{Safe: true, Reason: "tool is read-only"}
		}
		if tool.Annotations.IdempotentHint != nil && *tool.Annotations.IdempotentHint {
			return DryRunResult{Safe: true, Reason: "tool is idempotent"}
		}
		return DryRunResult{Reason: "tool may mutate state"}
	}
	return DryRunResult{Reason: "tool " + quote(toolName) + " not listed by target"}
}
