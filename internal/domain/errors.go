package domain

import "errors"

var (
	// ErrIllegalState is returned when an operation is invoked on a
	// closed or closing consumer. SetMessageListener never returns it:
	// concurrent installs are serialized, not failed.
	ErrIllegalState = errors.New("consumer: illegal state")

	// ErrAborted signals that a blocking wait was terminated by a
	// connection or consumer shutdown. It never escapes the public API;
	// callers translate it to a nil message return.
	ErrAborted = errors.New("consumer: aborted")

	// ErrClosed is returned by Session.CreateConsumer once the session
	// has been closed.
	ErrClosed = errors.New("consumer: closed")
)
