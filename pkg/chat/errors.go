package chat

import "errors"

var (
	ErrNotConnected       = errors.New("chat is not connected")
	ErrEmptyMessage       = errors.New("message text is empty")
	ErrInvalidApplication = errors.New("invalid application id")
)

// ServerError carries the text of an "error" frame pushed by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server: " + e.Message
}
