// Package dberr holds the error taxonomy shared by every storage component.
//
// Errors are built with github.com/cockroachdb/errors and marked with one of
// the sentinels below, so callers classify them with errors.Is regardless of
// how much context has been wrapped around them.
package dberr

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	ErrNotFound               = errors.New("object not found")
	ErrKeyExists              = errors.New("object identifier already exists")
	ErrLockTimeout            = errors.New("unable to acquire file lock within timeout")
	ErrRange                  = errors.New("rank out of range")
	ErrValidation             = errors.New("invalid configuration")
	ErrCorruption             = errors.New("structural corruption")
	ErrConcurrentModification = errors.New("file modified during enumeration")
	ErrClosed                 = errors.New("file closed")
)

// NotFoundf returns an error marked as ErrNotFound.
func NotFoundf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// KeyExistsf returns an error marked as ErrKeyExists.
func KeyExistsf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrKeyExists)
}

// LockTimeoutf returns an error marked as ErrLockTimeout.
func LockTimeoutf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrLockTimeout)
}

// Rangef returns an error marked as ErrRange.
func Rangef(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrRange)
}

// Validationf returns an error marked as ErrValidation.
func Validationf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// Corruptionf returns an error marked as ErrCorruption.
func Corruptionf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// ConcurrentModificationf returns an error marked as ErrConcurrentModification.
func ConcurrentModificationf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConcurrentModification)
}

// IsCorruption reports whether err carries the ErrCorruption mark.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// Report escalates structural corruption to the process log. Other errors
// are returned untouched and not logged: no single caller can resolve a
// corrupt file, but everything else is the caller's business.
func Report(sugar *zap.SugaredLogger, where string, err error) error {
	if err != nil && sugar != nil && IsCorruption(err) {
		sugar.Errorw("structural corruption detected", "where", where, "err", err)
	}
	return err
}
