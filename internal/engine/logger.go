package engine

import "context"

// EventLogger is the ambient logging collaborator the engine emits
// structured events through. The root package implements it over
// hashicorp/terraform-plugin-log/tflog (SPEC_FULL.md §1.2); tests use a
// no-op implementation.
type EventLogger interface {
	Debug(ctx context.Context, msg string, fields map[string]any)
	Info(ctx context.Context, msg string, fields map[string]any)
	Warn(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
}

// noopLogger discards every event; used when no logger is configured.
type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, map[string]any) {}
func (noopLogger) Info(context.Context, string, map[string]any)  {}
func (noopLogger) Warn(context.Context, string, map[string]any)  {}
func (noopLogger) Error(context.Context, string, map[string]any) {}
