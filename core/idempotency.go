package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultReaperTTL      = 60 * time.Second
	DefaultReaperInterval = 15 * time.Second
	DefaultClaimRetention = time.Hour

	lockComponentIdempotency = "idempotency_store"
)

type ClaimStatus string

const (
	ClaimAcquired ClaimStatus = "acquired"
	ClaimExisting ClaimStatus = "existing"
	ClaimConflict ClaimStatus = "conflict"
)

type ConflictReason string

const (
	ConflictKeyInFlight         ConflictReason = "key_in_flight"
	ConflictExternalRefInFlight ConflictReason = "external_ref_in_flight"
	ConflictAwaitingDurability  ConflictReason = "awaiting_durability"
)

type ClaimRequest struct {
	Key         string
	ExternalRef string
	Operation   Operation
	Target      Target
	ToolName    string
	Request     json.RawMessage
}

// ClaimToken proves ownership of a live claim. Tokens from an earlier
// claim of the same key never match a later one.
type ClaimToken struct {
	Key   string
	RunID string
	Epoch uint64
}

// Collision describes a captured run owned by another key that holds the
// external reference the new claim asked for.
type Collision struct {
	ExternalRef string
	OwnerKey    string
	Run         *InspectionRun
	Event       *InspectionRunEvent
}

type ClaimResult struct {
	Status    ClaimStatus
	Token     ClaimToken
	Run       *InspectionRun
	Event     *InspectionRunEvent
	Reason    ConflictReason
	Collision *Collision
	// Done closes once the conflicting claim is released or reaped.
	Done <-chan struct{}
}

// SealedClaim is a terminal run whose outbox entry has not been confirmed
// durable yet.
type SealedClaim struct {
	Token  ClaimToken
	Entry  OutboxEntry
	Reaped bool
}

type claimEntry struct {
	token      ClaimToken
	run        *InspectionRun
	target     Target
	request    json.RawMessage
	acquiredAt time.Time
	deadline   time.Time
	sealed     bool
	reaped     bool
	released   bool
	releasedAt time.Time
	event      *InspectionRunEvent
	pending    *OutboxEntry
	done       chan struct{}

	// appendFailed marks a sealed claim whose owner gave up on the outbox
	// append; only these are retried by the reaper.
	appendFailed bool
}

type refOwner struct {
	key       string
	contender string
}

type IdempotencyStoreOption func(*IdempotencyStore)

func WithClaimTTL(ttl time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClaimRetention(retention time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

func WithStoreClock(clock Clock) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

func WithStoreLockObserver(observer LockWaitObserver) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.observeLockWait = observer
	}
}

// IdempotencyStore is the single-writer claim registry. Every method holds
// the mutex only while touching maps; callers perform I/O between calls.
type IdempotencyStore struct {
	mu              sync.Mutex
	entries         map[string]*claimEntry
	refs            map[string]*refOwner
	reaped          map[string]time.Time
	epoch           uint64
	ttl             time.Duration
	retention       time.Duration
	now             Clock
	observeLockWait LockWaitObserver
}

func NewIdempotencyStore(opts ...IdempotencyStoreOption) *IdempotencyStore {
	store := &IdempotencyStore{
		entries:   map[string]*claimEntry{},
		refs:      map[string]*refOwner{},
		reaped:    map[string]time.Time{},
		ttl:       DefaultReaperTTL,
		retention: DefaultClaimRetention,
		now:       systemClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *IdempotencyStore) TTL() time.Duration {
	return s.ttl
}

func (s *IdempotencyStore) lock() {
	started := time.Now()
	s.mu.Lock()
	if s.observeLockWait != nil {
		s.observeLockWait(lockComponentIdempotency, time.Since(started))
	}
}

// Claim atomically inserts a pending run for req.Key unless one is live or
// already terminal.
func (s *IdempotencyStore) Claim(req ClaimRequest) (ClaimResult, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return ClaimResult{}, NewValidationError("idempotency key is required")
	}
	ref := strings.TrimSpace(req.ExternalRef)

	s.lock()
	defer s.mu.Unlock()
	now := s.now()

	if entry, ok := s.entries[key]; ok {
		switch {
		case entry.released:
			return ClaimResult{
				Status: ClaimExisting,
				Run:    entry.run.Clone(),
				Event:  cloneEvent(entry.event),
			}, nil
		case entry.sealed:
			return s.conflict(entry, ConflictAwaitingDurability), nil
		default:
			return s.conflict(entry, ConflictKeyInFlight), nil
		}
	}

	var collision *Collision
	if ref != "" {
		owner := s.refs[ref]
		if owner != nil {
			if owner.contender != "" && owner.contender != key {
				if contender, ok := s.entries[owner.contender]; ok && !contender.released {
					return s.conflict(contender, ConflictExternalRefInFlight), nil
				}
				owner.contender = ""
			}
			current, ok := s.entries[owner.key]
			switch {
			case owner.key == key:
			case !ok:
				delete(s.refs, ref)
				owner = nil
			case !current.released:
				return s.conflict(current, ConflictExternalRefInFlight), nil
			case current.run.Status == RunStatusCaptured:
				collision = &Collision{
					ExternalRef: ref,
					OwnerKey:    owner.key,
					Run:         current.run.Clone(),
					Event:       cloneEvent(current.event),
				}
				owner.contender = key
			default:
				owner.key = key
			}
		}
		if owner == nil {
			s.refs[ref] = &refOwner{key: key}
		}
	}

	s.epoch++
	runID := uuid.NewString()
	token := ClaimToken{Key: key, RunID: runID, Epoch: s.epoch}
	entry := &claimEntry{
		token:      token,
		run:        newInspectionRun(runID, key, ref, req.Operation, req.Target.Kind(), req.ToolName, now),
		target:     req.Target.Clone(),
		request:    cloneRaw(req.Request),
		acquiredAt: now,
		deadline:   now.Add(s.ttl),
		done:       make(chan struct{}),
	}
	s.entries[key] = entry
	return ClaimResult{
		Status:    ClaimAcquired,
		Token:     token,
		Run:       entry.run.Clone(),
		Collision: collision,
	}, nil
}

func (s *IdempotencyStore) conflict(entry *claimEntry, reason ConflictReason) ClaimResult {
	return ClaimResult{
		Status: ClaimConflict,
		Run:    entry.run.Clone(),
		Reason: reason,
		Done:   entry.done,
	}
}

// Start moves the claimed run from pending to processing.
func (s *IdempotencyStore) Start(token ClaimToken) (*InspectionRun, error) {
	s.lock()
	defer s.mu.Unlock()
	entry, err := s.ownedEntry(token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := entry.run.apply(TransitionDispatch, RunOutcome{}, now); err != nil {
		return nil, err
	}
	return entry.run.Clone(), nil
}

// Resolve commits the terminal transition and seals the claim. The returned
// entry must be appended to the outbox before Release is called.
func (s *IdempotencyStore) Resolve(token ClaimToken, outcome RunOutcome) (OutboxEntry, error) {
	s.lock()
	defer s.mu.Unlock()
	entry, err := s.ownedEntry(token)
	if err != nil {
		return OutboxEntry{}, err
	}
	transition := TransitionCapture
	if outcome.Error != nil {
		transition = TransitionFail
	}
	now := s.now()
	if err := entry.run.apply(transition, outcome, now); err != nil {
		return OutboxEntry{}, err
	}
	return s.seal(entry, now), nil
}

func (s *IdempotencyStore) seal(entry *claimEntry, now time.Time) OutboxEntry {
	event := NewRunEvent(entry.run, entry.target, entry.request, now)
	outbox := NewRunOutboxEntry(event, OutboxEventTypeFor(entry.run), now)
	entry.sealed = true
	entry.event = &event
	entry.pending = &outbox
	return outbox
}

func (s *IdempotencyStore) ownedEntry(token ClaimToken) (*claimEntry, error) {
	entry, ok := s.entries[token.Key]
	if !ok || entry.token != token {
		if _, reaped := s.reaped[token.RunID]; reaped {
			return nil, ErrRunReaped
		}
		return nil, ErrStaleToken
	}
	if entry.reaped {
		return nil, ErrRunReaped
	}
	if entry.sealed {
		return nil, ErrRunTerminal
	}
	return entry, nil
}

// Release is called after the sealed entry is durable. Normal runs become
// the cached result for the key; reaped runs are dropped so the key can be
// claimed again.
func (s *IdempotencyStore) Release(token ClaimToken) error {
	s.lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token.Key]
	if !ok || entry.token != token {
		if _, reaped := s.reaped[token.RunID]; reaped {
			return nil
		}
		return ErrStaleToken
	}
	if entry.released {
		return nil
	}
	if !entry.sealed {
		return ErrStaleToken
	}
	now := s.now()
	entry.pending = nil
	entry.appendFailed = false
	s.clearContender(entry)
	if entry.reaped {
		delete(s.entries, token.Key)
		s.reaped[token.RunID] = now
	} else {
		entry.released = true
		entry.releasedAt = now
	}
	close(entry.done)
	return nil
}

func (s *IdempotencyStore) clearContender(entry *claimEntry) {
	ref := entry.run.ExternalRef
	if ref == "" {
		return
	}
	owner := s.refs[ref]
	if owner == nil || owner.contender != entry.token.Key {
		return
	}
	owner.contender = ""
}

// MarkAppendFailed hands a sealed claim to the reaper after its owner could
// not make the outbox entry durable.
func (s *IdempotencyStore) MarkAppendFailed(token ClaimToken) {
	s.lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token.Key]
	if !ok || entry.token != token || !entry.sealed || entry.released {
		return
	}
	entry.appendFailed = true
}

// Abandon drops a claim that was never dispatched. No terminal transition
// happened, so nothing is written to the outbox and the key is free again.
func (s *IdempotencyStore) Abandon(token ClaimToken) error {
	s.lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token.Key]
	if !ok || entry.token != token {
		return ErrStaleToken
	}
	if entry.run.Status != RunStatusPending {
		return fmt.Errorf("%w: abandon from %s", ErrIllegalTransition, entry.run.Status)
	}
	s.drop(entry)
	return nil
}

func (s *IdempotencyStore) drop(entry *claimEntry) {
	s.clearContender(entry)
	if ref := entry.run.ExternalRef; ref != "" {
		if owner := s.refs[ref]; owner != nil && owner.key == entry.token.Key && owner.contender == "" {
			delete(s.refs, ref)
		}
	}
	delete(s.entries, entry.token.Key)
	close(entry.done)
}

// DropExpiredPending abandons claims that never left pending within the
// TTL, so an owner that vanished between Claim and Start cannot pin a key.
func (s *IdempotencyStore) DropExpiredPending(now time.Time) []ClaimToken {
	s.lock()
	defer s.mu.Unlock()
	var out []ClaimToken
	for _, key := range s.sortedKeys() {
		entry := s.entries[key]
		if entry.run.Status != RunStatusPending || now.Before(entry.deadline) {
			continue
		}
		s.drop(entry)
		out = append(out, entry.token)
	}
	return out
}

// RecordExternalRef hands ownership of the claim's external reference to
// its key once compensation allowed the run to proceed.
func (s *IdempotencyStore) RecordExternalRef(token ClaimToken) error {
	s.lock()
	defer s.mu.Unlock()
	entry, err := s.ownedEntry(token)
	if err != nil {
		return err
	}
	ref := entry.run.ExternalRef
	if ref == "" {
		return nil
	}
	s.refs[ref] = &refOwner{key: token.Key}
	return nil
}

// FindExternalRef returns the run owning ref, if any.
func (s *IdempotencyStore) FindExternalRef(ref string) (*InspectionRun, bool) {
	s.lock()
	defer s.mu.Unlock()
	owner := s.refs[strings.TrimSpace(ref)]
	if owner == nil {
		return nil, false
	}
	entry, ok := s.entries[owner.key]
	if !ok {
		return nil, false
	}
	return entry.run.Clone(), true
}

// Wait blocks until the claim for key is released or ctx ends.
func (s *IdempotencyStore) Wait(ctx context.Context, key string) error {
	s.lock()
	entry, ok := s.entries[strings.TrimSpace(key)]
	var done chan struct{}
	if ok && !entry.released {
		done = entry.done
	}
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReapExpired fails every processing run past its deadline and seals it.
// The compare-and-swap happens under the lock, so a completion racing the
// reaper either wins before it or observes ErrRunReaped.
func (s *IdempotencyStore) ReapExpired(now time.Time) []SealedClaim {
	s.lock()
	defer s.mu.Unlock()
	var out []SealedClaim
	for _, key := range s.sortedKeys() {
		entry := s.entries[key]
		if entry.sealed || entry.run.Status != RunStatusProcessing || now.Before(entry.deadline) {
			continue
		}
		outcome := RunOutcome{Error: &RunError{
			Kind:    ErrorKindTimeout,
			Message: "run exceeded ttl of " + s.ttl.String(),
			Reason:  FailureReasonStuckTimeout,
		}}
		if err := entry.run.apply(TransitionReap, outcome, now); err != nil {
			continue
		}
		outbox := s.seal(entry, now)
		entry.reaped = true
		out = append(out, SealedClaim{Token: entry.token, Entry: outbox, Reaped: true})
	}
	s.purge(now)
	return out
}

func (s *IdempotencyStore) purge(now time.Time) {
	for key, entry := range s.entries {
		if entry.released && now.Sub(entry.releasedAt) > s.retention {
			delete(s.entries, key)
		}
	}
	for runID, at := range s.reaped {
		if now.Sub(at) > s.retention {
			delete(s.reaped, runID)
		}
	}
	for ref, owner := range s.refs {
		if _, ok := s.entries[owner.key]; !ok && owner.contender == "" {
			delete(s.refs, ref)
		}
	}
}

// Sealed lists claims whose outbox append failed and must be retried.
func (s *IdempotencyStore) Sealed() []SealedClaim {
	s.lock()
	defer s.mu.Unlock()
	var out []SealedClaim
	for _, key := range s.sortedKeys() {
		entry := s.entries[key]
		if !entry.sealed || entry.released || entry.pending == nil || !entry.appendFailed {
			continue
		}
		out = append(out, SealedClaim{Token: entry.token, Entry: *entry.pending, Reaped: entry.reaped})
	}
	return out
}

func (s *IdempotencyStore) Snapshot(key string) (*InspectionRun, bool) {
	s.lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.TrimSpace(key)]
	if !ok {
		return nil, false
	}
	return entry.run.Clone(), true
}

type StoreStats struct {
	Pending    int
	Processing int
	Sealed     int
	Released   int
}

func (s *IdempotencyStore) Stats() StoreStats {
	s.lock()
	defer s.mu.Unlock()
	var stats StoreStats
	for _, entry := range s.entries {
		switch {
		case entry.released:
			stats.Released++
		case entry.sealed:
			stats.Sealed++
		case entry.run.Status == RunStatusProcessing:
			stats.Processing++
		default:
			stats.Pending++
		}
	}
	return stats
}

func (s *IdempotencyStore) sortedKeys() []string {
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func cloneEvent(event *InspectionRunEvent) *InspectionRunEvent {
	if event == nil {
		return nil
	}
	copied := *event
	copied.Request = cloneRaw(event.Request)
	copied.Response = cloneRaw(event.Response)
	copied.StreamEvents = cloneStreamEvents(event.StreamEvents)
	if event.Target != nil {
		target := *event.Target
		target.Headers = cloneStringMap(event.Target.Headers)
		copied.Target = &target
	}
	return &copied
}
