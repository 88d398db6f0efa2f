package domain

import "context"

// InferenceResult is what the inference collaborator returns for one
// message: the reply text plus optional observational telemetry.
type InferenceResult struct {
	Text      string
	Model     string
	Usage     *UsageRecord
	RateLimit *RateLimitSnapshot
}

// Inference turns a claimed incoming message into a reply. An error return
// is a transient failure from the processor's point of view; the retry
// policy decides what happens next.
type Inference interface {
	Name() string
	Run(ctx context.Context, msg IncomingMessage) (*InferenceResult, error)
}

// InferenceFunc adapts a plain function to the Inference interface.
type InferenceFunc func(ctx context.Context, msg IncomingMessage) (*InferenceResult, error)

func (f InferenceFunc) Name() string { return "func" }

func (f InferenceFunc) Run(ctx context.Context, msg IncomingMessage) (*InferenceResult, error) {
	return f(ctx, msg)
}
