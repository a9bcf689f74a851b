package engine

import "github.com/pkg/errors"

// Code is the engine's closed error-kind set (SPEC_FULL.md §7). It is the
// only thing that crosses the facade boundary to the host; it is a plain
// value, never an allocation, and every hot path returns it directly instead
// of constructing an `error`.
type Code int

const (
	Success Code = iota
	NoSuchKey
	KeyExists
	TooBig
	NoMemory
	TemporaryFailure
	NotMyVBucket
	Locked
	NotLocked
	WouldBlock
	Disconnect
	PredicateFailed
	Rollback
	Failed
)

var descriptors = [...]string{
	Success:          "success",
	NoSuchKey:        "no_such_key",
	KeyExists:        "key_exists",
	TooBig:           "too_big",
	NoMemory:         "no_memory",
	TemporaryFailure: "temporary_failure",
	NotMyVBucket:     "not_my_vbucket",
	Locked:           "locked",
	NotLocked:        "not_locked",
	WouldBlock:       "would_block",
	Disconnect:       "disconnect",
	PredicateFailed:  "predicate_failed",
	Rollback:         "rollback",
	Failed:           "failed",
}

// String returns the static descriptor for logging. Never allocates.
func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(descriptors) {
		return "unknown"
	}
	return descriptors[c]
}

// OK reports whether c represents success.
func (c Code) OK() bool { return c == Success }

// Error makes Code satisfy the error interface so it can be returned from
// Go-idiomatic call sites that expect one, without allocating beyond the
// interface boxing Go itself performs.
func (c Code) Error() string { return c.String() }

// wrap attaches a human-readable cause and context to code. Its one caller
// is Config.normalize (default uuid generation), whose error New returns to
// the host as is; the keyed operations never use it and return a bare Code.
func wrap(code Code, cause error, context string) error {
	if cause == nil {
		return code
	}
	return errors.Wrapf(cause, "%s: %s", context, code)
}
