package rhx

import "errors"

var (
	// ErrConnection is returned when a socket to the controller cannot be opened.
	ErrConnection = errors.New("could not connect to controller")
	// ErrConnectionLost is returned when the peer closes or resets a socket mid-operation.
	ErrConnectionLost = errors.New("controller connection lost")
	// ErrStreamTimeout is returned when the controller stops answering within the read deadline.
	ErrStreamTimeout = errors.New("controller stream timed out")
	// ErrProtocolDesync is returned when a block does not begin with the expected magic number.
	ErrProtocolDesync = errors.New("bad magic number")
	// ErrMalformedStream is returned when the received byte count is not a whole number of blocks.
	ErrMalformedStream = errors.New("received data is not a multiple of the block size")
	// ErrUnexpectedReply is returned when a query reply lacks the expected "Return:" prefix.
	ErrUnexpectedReply = errors.New("unexpected reply from controller")
	// ErrControllerType is returned when an operation needs a stimulation-capable controller.
	ErrControllerType = errors.New("operation not supported by controller type")
)
