package cachelock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Phase names one step of the coordination flow. Every tagged error and
// every trace span carries the phase that produced it.
type Phase string

const (
	PhaseValidation     Phase = "validation"
	PhaseCacheGet       Phase = "cache.get"
	PhaseCacheSet       Phase = "cache.set"
	PhaseLeaseAcquire   Phase = "leases.acquire"
	PhaseLeaseRelease   Phase = "leases.release"
	PhaseLeaseMarkReady Phase = "leases.markReady"
	PhaseLeaseIsReady   Phase = "leases.isReady"
	PhaseFetcher        Phase = "fetcher"
	PhaseHookOnHit      Phase = "hooks.onHit"
	PhaseHookOnLeader   Phase = "hooks.onLeader"
	PhaseHookOnWait     Phase = "hooks.onFollowerWait"
	PhaseHookOnFallback Phase = "hooks.onFallback"
	PhaseWaitStrategy   Phase = "waitStrategy"
	PhaseWaitSleep      Phase = "wait.sleep"
	PhaseAbort          Phase = "abort"
)

// phaseKind maps a phase to the Kind a failure in that phase should carry.
// Phases outside this table (e.g. PhaseAbort) are tagged by their caller
// directly rather than through PhaseRunner.Run.
var phaseKind = map[Phase]Kind{
	PhaseValidation:     KindValidation,
	PhaseCacheGet:       KindCacheGetFailed,
	PhaseCacheSet:       KindCacheSetFailed,
	PhaseLeaseAcquire:   KindLeaseAcquire,
	PhaseLeaseRelease:   KindLeaseRelease,
	PhaseLeaseMarkReady: KindLeaseReady,
	PhaseLeaseIsReady:   KindLeaseReady,
	PhaseFetcher:        KindFetcherFailed,
	PhaseHookOnHit:      KindHookFailed,
	PhaseHookOnLeader:   KindHookFailed,
	PhaseHookOnWait:     KindHookFailed,
	PhaseHookOnFallback: KindHookFailed,
	PhaseWaitStrategy:   KindWaitStrategy,
	PhaseWaitSleep:      KindWaitFailed,
}

var tracer = otel.Tracer("cachelock")

// PhaseRunner wraps a single side-effecting step: it opens a trace span
// named "cache-locking.<phase>", invokes fn, maps a non-nil error to the
// phase's Kind (preserving an already-tagged cause's identity rather than
// re-wrapping it), and records the outcome on the span.
type PhaseRunner struct {
	Key     string
	Adapter string
}

// Run executes fn under the given phase, returning a tagged *Error on
// failure and a bare nil on success. A bare context.Context is accepted
// rather than threaded state, so callers that don't yet have a context can
// pass context.Background() without importing anything extra.
func (r PhaseRunner) Run(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "cache-locking."+string(phase),
		trace.WithAttributes(
			attribute.String("cachelock.key", r.Key),
			attribute.String("cachelock.adapter", r.Adapter),
			attribute.String("cachelock.phase", string(phase)),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	kind, ok := phaseKind[phase]
	if !ok {
		kind = KindValidation
	}
	return newError(kind, string(phase)+" failed", Context{
		Key:     r.Key,
		Phase:   phase,
		Adapter: r.Adapter,
	}, err)
}
