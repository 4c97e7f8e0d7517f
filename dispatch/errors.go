package dispatch

import "errors"

var (
	// ErrMalformedPayload is returned when an input payload cannot be decoded
	// into a Request.
	ErrMalformedPayload = errors.New("dispatch: malformed payload")
	// ErrUnknownCommand is returned when a request names no registered command.
	ErrUnknownCommand = errors.New("dispatch: unknown command")
	// ErrMissingMetadata is returned for input events that carry no
	// correlation metadata and therefore cannot be replied to.
	ErrMissingMetadata = errors.New("dispatch: missing metadata")
	// ErrDuplicateCommand is returned when registering a name twice.
	ErrDuplicateCommand = errors.New("dispatch: duplicate command")
	// ErrInvalidCommand is returned when registering a command without a name
	// or builder.
	ErrInvalidCommand = errors.New("dispatch: invalid command")
	// ErrFrozen is returned when registering on a frozen table.
	ErrFrozen = errors.New("dispatch: table frozen")
)

// CommandError carries the command name alongside a dispatch error.
type CommandError struct {
	Name string
	Err  error
}

func (e *CommandError) Error() string {
	return e.Err.Error() + ": " + e.Name
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
