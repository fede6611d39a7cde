package httpserver

const (
	ErrBadPayload       = "bad payload"
	ErrInvalidSignature = "invalid signature"
	ErrDependency       = "dependency error"
)
