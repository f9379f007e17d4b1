package handler

import "errors"

// Sentinel errors for command parsing and dispatch.
var (
	// ErrInvalidPayload indicates the inbound payload was not valid JSON.
	ErrInvalidPayload = errors.New("invalid command payload")

	// ErrMissingCommand indicates the required "command" field was absent.
	ErrMissingCommand = errors.New("missing command field")

	// ErrUnknownCommand indicates the verb is not in the dispatch table.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMissingMAC indicates a verb that requires a device address got none.
	ErrMissingMAC = errors.New("missing mac field")

	// ErrMissingUUID indicates a characteristic verb got no uuid.
	ErrMissingUUID = errors.New("missing uuid field")

	// ErrInvalidValue indicates a write value that is not valid hex.
	ErrInvalidValue = errors.New("invalid value field")
)
