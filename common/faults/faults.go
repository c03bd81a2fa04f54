package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a worker failure. The engine keys retry and
// failure-policy decisions off the kind rather than string matching.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindTemplate     Kind = "template"
	KindHandler      Kind = "handler"
	KindDeadline     Kind = "deadline_exceeded"
	KindCircuitOpen  Kind = "circuit_open"
	KindSupervisor   Kind = "supervisor_unavailable"
	KindSecurity     Kind = "security_violation"
	KindLock         Kind = "lock_contention"
	KindDatabase     Kind = "database"
	KindUnknownBlock Kind = "unknown_block_kind"
)

// Fault is a classified worker error. Transient faults are retried by
// the engine; the rest fail the attempt chain immediately.
type Fault struct {
	Kind      Kind
	Msg       string
	BlockKind string
	Cause     error
	Transient bool
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.BlockKind != "" {
		b.WriteString("[" + f.BlockKind + "]")
	}
	if f.Msg != "" {
		b.WriteString(": " + f.Msg)
	}
	if f.Cause != nil {
		b.WriteString(": " + f.Cause.Error())
	}
	return b.String()
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// Validation reports malformed input or configuration.
func Validation(format string, args ...any) *Fault {
	return &Fault{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Template reports a template expansion failure.
func Template(format string, args ...any) *Fault {
	return &Fault{Kind: KindTemplate, Msg: fmt.Sprintf(format, args...)}
}

// Handler wraps a block handler failure. transient controls whether the
// engine retries the attempt.
func Handler(blockKind string, cause error, transient bool) *Fault {
	return &Fault{Kind: KindHandler, BlockKind: blockKind, Cause: cause, Transient: transient}
}

// Deadline reports a node exceeding its execution deadline.
func Deadline(blockKind string, cause error) *Fault {
	return &Fault{Kind: KindDeadline, BlockKind: blockKind, Cause: cause, Transient: true}
}

// CircuitOpen reports a fail-fast rejection on an open circuit.
func CircuitOpen(scope string) *Fault {
	return &Fault{Kind: KindCircuitOpen, Msg: fmt.Sprintf("circuit open for %s", scope)}
}

// Supervisor reports a tool server that cannot take requests. The
// condition clears once the server is restarted, so it stays retriable.
func Supervisor(format string, args ...any) *Fault {
	return &Fault{Kind: KindSupervisor, Msg: fmt.Sprintf(format, args...), Transient: true}
}

// Security reports prompt screening violations. Never retried.
func Security(violations []string) *Fault {
	return &Fault{Kind: KindSecurity, Msg: strings.Join(violations, "; ")}
}

// Lock reports that another worker holds the execution lock.
func Lock(executionID string) *Fault {
	return &Fault{Kind: KindLock, Msg: fmt.Sprintf("execution %s locked by another worker", executionID)}
}

// Database wraps a persistence failure. critical marks connection-class
// problems as opposed to constraint violations.
func Database(cause error, critical bool) *Fault {
	return &Fault{Kind: KindDatabase, Cause: cause, Transient: critical}
}

// UnknownBlock reports an unregistered block kind.
func UnknownBlock(kind string) *Fault {
	return &Fault{Kind: KindUnknownBlock, BlockKind: kind, Msg: fmt.Sprintf("no handler registered for kind %q", kind)}
}

// KindOf returns the fault kind, or empty for unclassified errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsTransient reports whether the engine should retry after err.
// Unclassified errors are treated as transient so plain handler errors
// get the full retry budget.
func IsTransient(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Transient
	}
	return true
}

// Is enables errors.Is matching on kind via sentinel faults.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if errors.As(target, &t) {
		return f.Kind == t.Kind
	}
	return false
}
