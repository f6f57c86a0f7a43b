package crm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingSecret is returned when credentials lack a secret a strategy needs.
var ErrMissingSecret = errors.New("credentials missing required secret")

// AuthStrategy attaches credentials to an outbound request. Strategies never
// log or echo secret values.
type AuthStrategy interface {
	// Apply mutates the request to carry the credentials.
	Apply(req *http.Request, creds Credentials) error
}

// BearerToken sends a token in a request header. Prefix is the scheme word
// before the token ("Bearer", "token"); Header defaults to Authorization.
type BearerToken struct {
	Header string
	Prefix string
}

// Apply sets the authorization header from the "token" secret.
func (s BearerToken) Apply(req *http.Request, creds Credentials) error {
	token := creds.Secret("token")
	if token == "" {
		return fmt.Errorf("%w: token", ErrMissingSecret)
	}
	header := s.Header
	if header == "" {
		header = "Authorization"
	}
	value := token
	if s.Prefix != "" {
		value = s.Prefix + " " + token
	}
	req.Header.Set(header, value)
	return nil
}

// CookieSession sends a session cookie. Name defaults to "session".
type CookieSession struct {
	Name string
}

// Apply attaches the session cookie from the "session" secret.
func (s CookieSession) Apply(req *http.Request, creds Credentials) error {
	session := creds.Secret("session")
	if session == "" {
		return fmt.Errorf("%w: session", ErrMissingSecret)
	}
	name := s.Name
	if name == "" {
		name = "session"
	}
	req.AddCookie(&http.Cookie{Name: name, Value: session})
	return nil
}

// URLParameter sends a token as a query parameter.
type URLParameter struct {
	Param string
}

// Apply adds the "token" secret as a query parameter.
func (s URLParameter) Apply(req *http.Request, creds Credentials) error {
	token := creds.Secret("token")
	if token == "" {
		return fmt.Errorf("%w: token", ErrMissingSecret)
	}
	q := req.URL.Query()
	q.Set(s.Param, token)
	req.URL.RawQuery = q.Encode()
	return nil
}

// StrategyFor returns the default strategy for an auth kind.
func StrategyFor(kind AuthKind) (AuthStrategy, error) {
	switch kind {
	case AuthBearerToken:
		return BearerToken{Prefix: "Bearer"}, nil
	case AuthCookieSession:
		return CookieSession{}, nil
	case AuthURLParameter:
		return URLParameter{Param: "token"}, nil
	default:
		return nil, fmt.Errorf("unknown auth kind %q", kind)
	}
}
