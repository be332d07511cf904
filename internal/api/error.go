package api

var _ error = (*APIError)(nil)

type APIError struct {
	Err       error
	ClientMsg string
	Code      int
}

func (e *APIError) Error() string {
	return e.Err.Error()
}

// Error is the JSON body of every error response.
type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}
