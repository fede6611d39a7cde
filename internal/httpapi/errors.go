package httpapi

const (
	ErrInvalidJSON   = "invalid json"
	ErrMissingFields = "missing fields"
	ErrNotFound      = "not found"
)
