package main

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes attached to every error the daemon produces.
// The codes double as metric labels, so keep them stable.
const (
	CodeBadFrame         = "BAD_FRAME"
	CodeMissingEventName = "MISSING_EVENT_NAME"
	CodeUnknownEvent     = "UNKNOWN_EVENT"
	CodeMissingArgument  = "MISSING_ARGUMENT"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeTransport        = "TRANSPORT"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeNoDevice         = "NO_DEVICE"
	CodeConfig           = "CONFIG"
)

// ErrEmptyLine is returned by ParseCommand for blank log lines.
// Callers skip it silently; it is not a parse failure.
var ErrEmptyLine = errors.New("empty line")

func errBadFrame(token string) error {
	return oops.Code(CodeBadFrame).
		With("token", token).
		Errorf("frame number %q is not an unsigned integer", token)
}

func errMissingFrame() error {
	return oops.Code(CodeBadFrame).Errorf("missing frame number")
}

func errMissingEventName(frame uint64) error {
	return oops.Code(CodeMissingEventName).
		With("frame", frame).
		Errorf("missing event name after frame %d", frame)
}

func errUnknownEvent(name string) error {
	return oops.Code(CodeUnknownEvent).
		With("event", name).
		Errorf("unknown event: %s", name)
}

func errMissingArgument(event, key string) error {
	return oops.Code(CodeMissingArgument).
		With("event", event).
		With("argument", key).
		Errorf("%s requires argument %s", event, key)
}

func errInvalidArgument(event, key string, value float64) error {
	return oops.Code(CodeInvalidArgument).
		With("event", event).
		With("argument", key).
		With("value", value).
		Errorf("%s: invalid %s value %v", event, key, value)
}

func errNotConnected() error {
	return oops.Code(CodeNotConnected).Errorf("no buttplug connection")
}

func errNoDevice() error {
	return oops.Code(CodeNoDevice).Errorf("no vibrating device bound")
}

func errTransport(op string, cause error) error {
	return oops.Code(CodeTransport).With("op", op).Wrapf(cause, "%s", op)
}

func errConfig(format string, args ...any) error {
	return oops.Code(CodeConfig).Errorf(format, args...)
}

// errorCode returns the oops code carried by err, or "unknown".
func errorCode(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return "unknown"
	}
	if code, ok := oopsErr.Code().(string); ok && code != "" {
		return code
	}
	return "unknown"
}

// errorAttrs renders err as slog key/value pairs, expanding oops code and context.
func errorAttrs(err error) []any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return []any{"error", err}
	}
	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil {
		attrs = append(attrs, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	return attrs
}
