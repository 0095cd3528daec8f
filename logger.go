package ldapcore

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/ldap-go/ldapcore/internal/engine"
)

// subsystem is the tflog subsystem name every log line from this module
// is tagged with, grounded on the teacher's NewTFLogger(ctx, "ldap")
// (internal/ldap/logger.go).
const subsystem = "ldapcore"

// tfEventLogger implements engine.EventLogger over tflog, adapted from
// the teacher's TFLogger. Unlike the teacher, there is no Terraform
// resource/data-source context to tag, so the resource/data-source
// helpers (LogResourceOperation, LogDataSourceOperation) have no home
// here and are not carried over.
type tfEventLogger struct{}

func newTFEventLogger() engine.EventLogger { return tfEventLogger{} }

func (tfEventLogger) Debug(ctx context.Context, msg string, fields map[string]any) {
	tflog.SubsystemDebug(ctx, subsystem, msg, sanitizeFields(fields))
}

func (tfEventLogger) Info(ctx context.Context, msg string, fields map[string]any) {
	tflog.SubsystemInfo(ctx, subsystem, msg, sanitizeFields(fields))
}

func (tfEventLogger) Warn(ctx context.Context, msg string, fields map[string]any) {
	tflog.SubsystemWarn(ctx, subsystem, msg, sanitizeFields(fields))
}

func (tfEventLogger) Error(ctx context.Context, msg string, fields map[string]any) {
	tflog.SubsystemError(ctx, subsystem, msg, sanitizeFields(fields))
}

// sanitizeFields redacts bind credentials before they reach the log
// sink, adapted from the teacher's SanitizeFields (internal/ldap/logger.go).
func sanitizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	sensitive := map[string]bool{
		"password": true, "passwd": true, "secret": true,
		"token": true, "credential": true, "credentials": true,
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if sensitive[k] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}
