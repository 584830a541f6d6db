package cachelock

import "context"

// withAbortSignal races a single getOrSet call against an external abort
// channel. If sig is already closed/signalled when called, it fails fast
// with ABORTED before any I/O. Otherwise it runs fn to completion, but a
// signal on sig while fn is still running preempts it: the first to finish
// wins, decided by a select between sig and fn's result rather than by
// polling a flag.
func withAbortSignal(ctx context.Context, sig <-chan struct{}, fn func(context.Context) (Result, error)) (Result, error) {
	if sig != nil {
		select {
		case <-sig:
			return Result{}, abortedErr()
		default:
		}
	}
	if sig == nil {
		return fn(ctx)
	}

	abortCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := fn(abortCtx)
		done <- outcome{r, err}
	}()

	select {
	case <-sig:
		cancel()
		return Result{}, abortedErr()
	case o := <-done:
		return o.result, o.err
	}
}

func abortedErr() error {
	return newError(KindAborted, "aborted", Context{Phase: PhaseAbort}, ErrAborted)
}
