package publish

import "context"

// Executor performs one publish attempt against a destination. The real
// work (driving a browser session, filling forms, uploading files)
// happens outside this repository; implementations adapt that external
// collaborator to this contract.
//
// A nil return means the content is live. Non-nil returns are decoded by
// the runner: Terminal, NeedsVerification and RetryAfter wrappers select
// the escalation path, any other error is a plain retryable failure.
// Implementations must honor ctx; a running job can only be interrupted
// through it.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error { return f(ctx, job) }
