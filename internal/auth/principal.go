package auth

import (
	"errors"
)

var ErrUnauthorized = errors.New("unauthorized")

type AuthMode string

const (
	AuthModeNone    AuthMode = "none"
	AuthModeSession AuthMode = "session"
	AuthModeAPIKey  AuthMode = "apiKey"
)

// Principal is the resolved identity of a single request. Downstream authorization
// only ever looks at UserID.
type Principal struct {
	UserID   string
	AuthMode AuthMode
}

var Anonymous = Principal{AuthMode: AuthModeNone}

func (p Principal) Authenticated() bool {
	return p.AuthMode != AuthModeNone && p.AuthMode != "" && p.UserID != ""
}
