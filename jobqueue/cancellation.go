package jobqueue

import "sync/atomic"

// CancellationToken is handed to a handler so it can cooperatively
// observe a cancellation request without the queue forcibly killing its
// goroutine. The queue flips the underlying flag when RequestCancel is
// called or when a heartbeat observes CancelRequested on the stored job
// row; well-behaved handlers poll IsCancelled (or call
// ThrowIfCancelled at safe checkpoints) and wind down on their own.
type CancellationToken struct {
	cancelled atomic.Bool
}

// NewCancellationToken returns a token in the not-cancelled state.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{}
}

// IsCancelled reports whether cancellation has been requested.
func (t *CancellationToken) IsCancelled() bool {
	return t.cancelled.Load()
}

// cancel flips the token. Safe to call more than once.
func (t *CancellationToken) cancel() {
	t.cancelled.Store(true)
}

// ThrowIfCancelled returns ErrCancelled if cancellation has been
// requested, nil otherwise. Handlers that run in discrete steps can call
// this between steps instead of polling IsCancelled directly.
func (t *CancellationToken) ThrowIfCancelled() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}
