package bdb

import (
	"errors"
	"fmt"
)

// Error represents an engine status error. The message text is resolved
// lazily through Strerror when the error is printed, never at construction.
type Error struct {
	Code ErrorCode
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bdb: %s: %v", Strerror(e.Code), e.Err)
	}
	return fmt.Sprintf("bdb: %s", Strerror(e.Code))
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode is a signed status code returned by an engine call. Zero means
// success, negative values are engine conditions from the table below, and
// positive values are operating-system errno values passed through by the
// engine.
type ErrorCode int32

// Engine status codes.
const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ErrBufferSmall indicates user memory was too small for the return value
	ErrBufferSmall ErrorCode = -30999

	// ErrDoNotIndex indicates a secondary index callback returned null
	ErrDoNotIndex ErrorCode = -30998

	// ErrForeignConflict indicates a foreign database constraint triggered
	ErrForeignConflict ErrorCode = -30997

	// ErrKeyEmpty indicates the key/data pair was deleted or never created
	ErrKeyEmpty ErrorCode = -30996

	// ErrKeyExist indicates the key/data pair already exists
	ErrKeyExist ErrorCode = -30995

	// ErrLockDeadlock indicates the operation was selected to resolve a
	// deadlock; abort the enclosing transaction and retry
	ErrLockDeadlock ErrorCode = -30994

	// ErrLockNotGranted indicates a lock was requested but not granted
	ErrLockNotGranted ErrorCode = -30993

	// ErrLogBufferFull indicates the in-memory log buffer is full
	ErrLogBufferFull ErrorCode = -30992

	// ErrNoServer indicates no server was available for the request
	ErrNoServer ErrorCode = -30991

	// ErrNoServerHome indicates the home directory was not recognized
	ErrNoServerHome ErrorCode = -30990

	// ErrNoServerID indicates the handle identifier was not recognized
	ErrNoServerID ErrorCode = -30989

	// ErrNotFound indicates the key/data pair was not found. Lookups and
	// cursor reads intercept this status and report an absent value
	// instead of an error.
	ErrNotFound ErrorCode = -30988

	// ErrOldVersion indicates the database requires an upgrade
	ErrOldVersion ErrorCode = -30987

	// ErrPageNotFound indicates a requested page was not found
	ErrPageNotFound ErrorCode = -30986

	// ErrRepDupMaster indicates the replication group has two masters
	ErrRepDupMaster ErrorCode = -30985

	// ErrRepHandleDead indicates the handle must be reopened
	ErrRepHandleDead ErrorCode = -30984

	// ErrRepHoldElection indicates a replication election is needed
	ErrRepHoldElection ErrorCode = -30983

	// ErrRepIgnore indicates the replication record was ignored
	ErrRepIgnore ErrorCode = -30982

	// ErrRepIsPerm indicates a permanent log record was written
	ErrRepIsPerm ErrorCode = -30981

	// ErrRepJoinFailure indicates the site failed to join the group
	ErrRepJoinFailure ErrorCode = -30980

	// ErrRepLeaseExpired indicates the replication lease expired
	ErrRepLeaseExpired ErrorCode = -30979

	// ErrRepLockout indicates the operation is locked out by replication
	ErrRepLockout ErrorCode = -30978

	// ErrRepNewSite indicates a new site entered the replication group
	ErrRepNewSite ErrorCode = -30977

	// ErrRepNotPerm indicates a log record was not made permanent
	ErrRepNotPerm ErrorCode = -30976

	// ErrRepUnavail indicates replication is temporarily unavailable
	ErrRepUnavail ErrorCode = -30975

	// ErrRunRecovery indicates the environment is unusable and
	// environment-wide recovery must be run; fatal for this environment
	ErrRunRecovery ErrorCode = -30974

	// ErrSecondaryBad indicates a secondary index is out of sync
	ErrSecondaryBad ErrorCode = -30973

	// ErrVerifyBad indicates database verification failed
	ErrVerifyBad ErrorCode = -30972

	// ErrVersionMismatch indicates the environment was created by a
	// different library version
	ErrVersionMismatch ErrorCode = -30971
)

// Operating-system status codes used by this layer and the bundled engines.
const (
	// ErrNoEntry indicates a missing file or directory (ENOENT)
	ErrNoEntry ErrorCode = 2

	// ErrIO indicates an input/output failure (EIO)
	ErrIO ErrorCode = 5

	// ErrAgain indicates a resource temporarily unavailable (EAGAIN)
	ErrAgain ErrorCode = 11

	// ErrNoMem indicates an allocation failure (ENOMEM)
	ErrNoMem ErrorCode = 12

	// ErrAccess indicates a permission failure (EACCES)
	ErrAccess ErrorCode = 13

	// ErrExist indicates the file already exists (EEXIST)
	ErrExist ErrorCode = 17

	// ErrInvalid indicates an invalid argument, or a handle used after it
	// was resolved or closed (EINVAL)
	ErrInvalid ErrorCode = 22
)

// errorMessages maps status codes to message text. Strerror consults this
// table on demand.
var errorMessages = map[ErrorCode]string{
	Success:            "successful return: 0",
	ErrBufferSmall:     "user memory too small for return value",
	ErrDoNotIndex:      "secondary index callback returns null",
	ErrForeignConflict: "a foreign database constraint triggered",
	ErrKeyEmpty:        "non-existent key/data pair",
	ErrKeyExist:        "key/data pair already exists",
	ErrLockDeadlock:    "locker killed to resolve a deadlock",
	ErrLockNotGranted:  "lock not granted",
	ErrLogBufferFull:   "in-memory log buffer is full",
	ErrNoServer:        "no server available to handle the request",
	ErrNoServerHome:    "home directory unrecognized at server",
	ErrNoServerID:      "identifier unrecognized at server",
	ErrNotFound:        "key/data pair not found",
	ErrOldVersion:      "database requires a version upgrade",
	ErrPageNotFound:    "requested page not found",
	ErrRepDupMaster:    "replication group has duplicate masters",
	ErrRepHandleDead:   "handle is no longer valid",
	ErrRepHoldElection: "replication election needed",
	ErrRepIgnore:       "replication record ignored",
	ErrRepIsPerm:       "permanent log record written",
	ErrRepJoinFailure:  "unable to join replication group",
	ErrRepLeaseExpired: "replication lease expired",
	ErrRepLockout:      "operation locked out during replication",
	ErrRepNewSite:      "new site entered replication group",
	ErrRepNotPerm:      "log record not made permanent",
	ErrRepUnavail:      "replication temporarily unavailable",
	ErrRunRecovery:     "fatal error, run database recovery",
	ErrSecondaryBad:    "secondary index inconsistent with primary",
	ErrVerifyBad:       "database verification failed",
	ErrVersionMismatch: "environment version mismatch",
	ErrNoEntry:         "no such file or directory",
	ErrIO:              "input/output error",
	ErrAgain:           "resource temporarily unavailable",
	ErrNoMem:           "cannot allocate memory",
	ErrAccess:          "permission denied",
	ErrExist:           "file exists",
	ErrInvalid:         "invalid argument",
}

// Strerror returns the message text for a status code, like the engine's
// error-to-string call.
func Strerror(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error: %d", code)
}

// NewError creates a new Error for the given status code.
func NewError(code ErrorCode) *Error {
	return &Error{Code: code}
}

// WrapError creates a new Error for the given status code wrapping an
// underlying cause.
func WrapError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// statusErr converts an engine status code to an error, nil for Success.
func statusErr(code ErrorCode) error {
	if code == Success {
		return nil
	}
	return NewError(code)
}

// Code returns the status code carried by err. It returns Success when err
// is nil and ErrInvalid when err carries no status code.
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInvalid
}

func is(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound returns true if the error indicates a missing key/data pair.
func IsNotFound(err error) bool {
	return is(err, ErrNotFound)
}

// IsKeyEmpty returns true if the error indicates a deleted or never-created
// key/data pair.
func IsKeyEmpty(err error) bool {
	return is(err, ErrKeyEmpty)
}

// IsKeyExist returns true if the error indicates the key/data pair already
// exists.
func IsKeyExist(err error) bool {
	return is(err, ErrKeyExist)
}

// IsDeadlock returns true if the error indicates the operation lost a
// deadlock resolution. The enclosing transaction should be aborted and
// retried.
func IsDeadlock(err error) bool {
	return is(err, ErrLockDeadlock)
}

// IsLockNotGranted returns true if the error indicates a lock request was
// denied without waiting.
func IsLockNotGranted(err error) bool {
	return is(err, ErrLockNotGranted)
}

// IsRunRecovery returns true if the error indicates the environment needs
// recovery. The environment must be closed and reopened with Recover set.
func IsRunRecovery(err error) bool {
	return is(err, ErrRunRecovery)
}

// IsBufferSmall returns true if the error indicates the supplied buffer was
// too small for the return value.
func IsBufferSmall(err error) bool {
	return is(err, ErrBufferSmall)
}
