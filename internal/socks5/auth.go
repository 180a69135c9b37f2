package socks5

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// RFC 1929 status bytes.
const (
	authStatusSuccess = 0x00
	authStatusFailure = 0x01
	authSubVersion    = 0x01
)

// AuthOutcome reports the result of a successful auth sub-negotiation.
type AuthOutcome struct {
	// Username identifies the authenticated principal. Empty for methods
	// (such as No-Auth) that carry no identity.
	Username string
}

// AuthHandler negotiates and runs a SOCKS5 authentication method. ChooseMethod
// picks one method from the client's offered list (or MethodNoAcceptable if
// none is usable); RunSubprotocol then drives that method's wire exchange
// over rw and returns the authenticated identity.
type AuthHandler interface {
	ChooseMethod(offered []AuthMethod) AuthMethod
	RunSubprotocol(ctx context.Context, method AuthMethod, rw io.ReadWriter) (AuthOutcome, error)
}

// NoAuthHandler implements the No-Auth method (0x00): any client offering it
// is accepted immediately, with no sub-negotiation exchange.
type NoAuthHandler struct{}

func (NoAuthHandler) ChooseMethod(offered []AuthMethod) AuthMethod {
	for _, m := range offered {
		if m == MethodNoAuth {
			return MethodNoAuth
		}
	}
	return MethodNoAcceptable
}

func (NoAuthHandler) RunSubprotocol(ctx context.Context, method AuthMethod, rw io.ReadWriter) (AuthOutcome, error) {
	return AuthOutcome{}, nil
}

var _ AuthHandler = NoAuthHandler{}

// CredentialStore validates a username/password pair for RFC 1929 auth.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials stores username to bcrypt hash mappings. This is the
// recommended credential store: passwords are never held in memory.
type HashedCredentials map[string]string

// dummyHash is compared against when the username is unknown, so a lookup
// miss costs the same time as a bcrypt comparison and does not leak which
// usernames are registered via a timing side-channel.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Valid implements CredentialStore.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// StaticCredentials is a plaintext credential store. Prefer HashedCredentials
// in production; this exists for configs that still carry a bare password.
type StaticCredentials map[string]string

// Valid implements CredentialStore using a constant-time comparison.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword bcrypt-hashes password at the default cost, for storing in
// configuration as a password_hash value.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword hashes password and panics on error. For CLI tooling and
// test fixtures where the input is already known-valid.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// UserPassAuthHandler implements RFC 1929 Username/Password authentication.
type UserPassAuthHandler struct {
	Credentials CredentialStore
}

// NewUserPassAuthHandler builds a UserPassAuthHandler backed by creds.
func NewUserPassAuthHandler(creds CredentialStore) *UserPassAuthHandler {
	return &UserPassAuthHandler{Credentials: creds}
}

func (a *UserPassAuthHandler) ChooseMethod(offered []AuthMethod) AuthMethod {
	for _, m := range offered {
		if m == MethodUserPass {
			return MethodUserPass
		}
	}
	return MethodNoAcceptable
}

// RunSubprotocol performs the RFC 1929 exchange:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// followed by a one-byte status reply. ctx is not honored mid-read here;
// the caller enforces the auth-phase deadline on the underlying connection.
func (a *UserPassAuthHandler) RunSubprotocol(ctx context.Context, method AuthMethod, rw io.ReadWriter) (AuthOutcome, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return AuthOutcome{}, err
	}
	if header[0] != authSubVersion {
		return AuthOutcome{}, errors.New("socks5: unsupported auth sub-negotiation version")
	}

	uLen := int(header[1])
	if uLen == 0 {
		return AuthOutcome{}, errors.New("socks5: empty username")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(rw, username); err != nil {
		return AuthOutcome{}, err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(rw, pLenBuf); err != nil {
		return AuthOutcome{}, err
	}
	pLen := int(pLenBuf[0])
	password := make([]byte, pLen)
	if pLen > 0 {
		if _, err := io.ReadFull(rw, password); err != nil {
			return AuthOutcome{}, err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		rw.Write([]byte{authSubVersion, authStatusFailure})
		return AuthOutcome{}, ErrAuthFailed
	}

	if _, err := rw.Write([]byte{authSubVersion, authStatusSuccess}); err != nil {
		return AuthOutcome{}, err
	}
	return AuthOutcome{Username: string(username)}, nil
}

var _ AuthHandler = (*UserPassAuthHandler)(nil)

// ChainAuthHandler offers the union of several methods' capabilities,
// deferring to whichever sub-handler claims a method during ChooseMethod.
// Handlers are tried in order, so the first one willing to claim a method
// from the client's offer wins.
type ChainAuthHandler struct {
	handlers []AuthHandler
	chosen   map[AuthMethod]AuthHandler
}

// NewChainAuthHandler builds a ChainAuthHandler trying each handler in order.
func NewChainAuthHandler(handlers ...AuthHandler) *ChainAuthHandler {
	return &ChainAuthHandler{handlers: handlers, chosen: make(map[AuthMethod]AuthHandler)}
}

func (c *ChainAuthHandler) ChooseMethod(offered []AuthMethod) AuthMethod {
	for _, h := range c.handlers {
		if m := h.ChooseMethod(offered); m != MethodNoAcceptable {
			c.chosen[m] = h
			return m
		}
	}
	return MethodNoAcceptable
}

func (c *ChainAuthHandler) RunSubprotocol(ctx context.Context, method AuthMethod, rw io.ReadWriter) (AuthOutcome, error) {
	h, ok := c.chosen[method]
	if !ok {
		return AuthOutcome{}, errors.New("socks5: no handler claimed the chosen method")
	}
	return h.RunSubprotocol(ctx, method, rw)
}

var _ AuthHandler = (*ChainAuthHandler)(nil)

// AuthHandlerConfig mirrors the proxy's auth configuration: whether
// Username/Password is required, and the credential set backing it.
type AuthHandlerConfig struct {
	Required bool
	// HashedUsers maps username to bcrypt hash (preferred).
	HashedUsers map[string]string
	// Users maps username to plaintext password (deprecated fallback).
	Users map[string]string
}

// BuildAuthHandler constructs the AuthHandler for a proxy instance from cfg.
// When Required is true, No-Auth is never offered. When no credentials are
// configured at all, only No-Auth is offered.
func BuildAuthHandler(cfg AuthHandlerConfig) AuthHandler {
	var handlers []AuthHandler

	hasCreds := len(cfg.HashedUsers) > 0 || len(cfg.Users) > 0
	if hasCreds {
		var store CredentialStore
		if len(cfg.HashedUsers) > 0 {
			store = HashedCredentials(cfg.HashedUsers)
		} else {
			store = StaticCredentials(cfg.Users)
		}
		handlers = append(handlers, NewUserPassAuthHandler(store))
	}
	if !cfg.Required {
		handlers = append(handlers, NoAuthHandler{})
	}
	return NewChainAuthHandler(handlers...)
}
