package replay

import "errors"

var (
	// ErrFrameTooLarge is returned when a frame exceeds the stream's limit.
	ErrFrameTooLarge = errors.New("replay: frame too large")

	// ErrMalformed is returned when a frame does not decode to a valid envelope.
	ErrMalformed = errors.New("replay: malformed message")

	// ErrUnexpectedMessage is returned when the peer sends a message kind
	// that is not valid at this point of the conversation.
	ErrUnexpectedMessage = errors.New("replay: unexpected message")

	// ErrLengthMismatch is returned when a resources response does not hold
	// exactly the bytes that were requested.
	ErrLengthMismatch = errors.New("replay: resource length mismatch")

	// ErrNoPayload is returned by Host.Serve when the replayer asks for more
	// payloads than the host has.
	ErrNoPayload = errors.New("replay: no payload available")
)
