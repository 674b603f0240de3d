package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type BasicAuthEngine struct {
	User     string
	Password string
}

// NewBasicAuthEngine creates a BasicAuthEngine accepting a single user. Empty
// values fall back to DefaultUser and DefaultPassword.
func NewBasicAuthEngine(user, password string) *BasicAuthEngine {
	if user == "" {
		user = DefaultUser
	}
	if password == "" {
		password = DefaultPassword
	}
	return &BasicAuthEngine{User: user, Password: password}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns a User if the credentials are valid, nil otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(e.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(e.Password)) == 1
	if !userOK || !passOK {
		return nil, nil
	}

	return &User{Name: user}, nil
}
