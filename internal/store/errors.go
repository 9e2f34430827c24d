package store

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrSessionNotFound is returned when a session id does not resolve.
	ErrSessionNotFound = errors.New("session not found")

	// ErrBusy marks a write that lost a lock race and may succeed if retried.
	ErrBusy = errors.New("archive store busy")
)

// IsBusy reports whether err is worth retrying.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// markBusy tags SQLITE_BUSY and SQLITE_LOCKED failures with ErrBusy.
func markBusy(err error) error {
	if err == nil || errors.Is(err, ErrBusy) {
		return err
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}
