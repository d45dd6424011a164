package mcpservice

import "context"

// ProgressReporter emits notifications/progress updates correlated with the
// inbound request being handled.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64) error
}

type progressReporterKey struct{}

// WithProgressReporter attaches a ProgressReporter to ctx.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	return context.WithValue(ctx, progressReporterKey{}, pr)
}

// ProgressReporterFromContext returns the reporter for the current request.
// Tool handlers that report progress must tolerate its absence: the client
// only gets progress when it supplied a progress token.
func ProgressReporterFromContext(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressReporterKey{}).(ProgressReporter)
	return pr, ok
}
