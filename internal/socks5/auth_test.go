package socks5

import (
	"bytes"
	"context"
	"testing"
)

func TestStaticCredentials_Valid(t *testing.T) {
	creds := StaticCredentials{"alice": "secret", "bob": "hunter2"}

	tests := []struct {
		user, pass string
		want       bool
	}{
		{"alice", "secret", true},
		{"alice", "wrong", false},
		{"nobody", "secret", false},
	}
	for _, tt := range tests {
		if got := creds.Valid(tt.user, tt.pass); got != tt.want {
			t.Errorf("Valid(%q, %q) = %v, want %v", tt.user, tt.pass, got, tt.want)
		}
	}
}

func TestHashedCredentials_Valid(t *testing.T) {
	hash := MustHashPassword("secret")
	creds := HashedCredentials{"alice": hash}

	if !creds.Valid("alice", "secret") {
		t.Error("Valid() = false, want true for correct password")
	}
	if creds.Valid("alice", "wrong") {
		t.Error("Valid() = true, want false for wrong password")
	}
	if creds.Valid("nobody", "secret") {
		t.Error("Valid() = true, want false for unknown user")
	}
}

func TestNoAuthHandler_ChooseMethod(t *testing.T) {
	h := NoAuthHandler{}
	if m := h.ChooseMethod([]AuthMethod{MethodNoAuth, MethodUserPass}); m != MethodNoAuth {
		t.Errorf("ChooseMethod() = %v, want no-auth", m)
	}
	if m := h.ChooseMethod([]AuthMethod{MethodUserPass}); m != MethodNoAcceptable {
		t.Errorf("ChooseMethod() = %v, want no-acceptable", m)
	}
}

func TestUserPassAuthHandler_RunSubprotocol(t *testing.T) {
	h := NewUserPassAuthHandler(StaticCredentials{"alice": "secret"})

	request := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 6, 's', 'e', 'c', 'r', 'e', 't'}
	rw := &bytesReadWriter{r: bytes.NewReader(request), w: &bytes.Buffer{}}

	outcome, err := h.RunSubprotocol(context.Background(), MethodUserPass, rw)
	if err != nil {
		t.Fatalf("RunSubprotocol() error = %v", err)
	}
	if outcome.Username != "alice" {
		t.Errorf("Username = %q, want alice", outcome.Username)
	}
	if got := rw.w.Bytes(); !bytes.Equal(got, []byte{authSubVersion, authStatusSuccess}) {
		t.Errorf("response = % x, want success status", got)
	}
}

func TestUserPassAuthHandler_RunSubprotocol_WrongPassword(t *testing.T) {
	h := NewUserPassAuthHandler(StaticCredentials{"alice": "secret"})

	request := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 5, 'w', 'r', 'o', 'n', 'g'}
	rw := &bytesReadWriter{r: bytes.NewReader(request), w: &bytes.Buffer{}}

	if _, err := h.RunSubprotocol(context.Background(), MethodUserPass, rw); err == nil {
		t.Error("RunSubprotocol() expected error for wrong password")
	}
	if got := rw.w.Bytes(); !bytes.Equal(got, []byte{authSubVersion, authStatusFailure}) {
		t.Errorf("response = % x, want failure status", got)
	}
}

func TestUserPassAuthHandler_RunSubprotocol_BadVersion(t *testing.T) {
	h := NewUserPassAuthHandler(StaticCredentials{})
	request := []byte{0x02, 4, 't', 'e', 's', 't'}
	rw := &bytesReadWriter{r: bytes.NewReader(request), w: &bytes.Buffer{}}

	if _, err := h.RunSubprotocol(context.Background(), MethodUserPass, rw); err == nil {
		t.Error("RunSubprotocol() expected error for bad sub-negotiation version")
	}
}

func TestChainAuthHandler_PrefersUserPassWhenOffered(t *testing.T) {
	chain := NewChainAuthHandler(
		NewUserPassAuthHandler(StaticCredentials{"alice": "secret"}),
		NoAuthHandler{},
	)

	got := chain.ChooseMethod([]AuthMethod{MethodNoAuth, MethodUserPass})
	if got != MethodUserPass {
		t.Errorf("ChooseMethod() = %v, want user-pass (first handler wins)", got)
	}
}

func TestChainAuthHandler_FallsBackToNoAuth(t *testing.T) {
	chain := NewChainAuthHandler(
		NewUserPassAuthHandler(StaticCredentials{"alice": "secret"}),
		NoAuthHandler{},
	)

	got := chain.ChooseMethod([]AuthMethod{MethodNoAuth})
	if got != MethodNoAuth {
		t.Errorf("ChooseMethod() = %v, want no-auth fallback", got)
	}
}

func TestBuildAuthHandler(t *testing.T) {
	tests := []struct {
		name         string
		cfg          AuthHandlerConfig
		offerNoAuth  bool
		offerAnyUser bool
	}{
		{"no config offers no-auth only", AuthHandlerConfig{}, true, false},
		{"required with users disables no-auth", AuthHandlerConfig{
			Required:    true,
			HashedUsers: map[string]string{"alice": MustHashPassword("secret")},
		}, false, true},
		{"optional with users offers both", AuthHandlerConfig{
			Required: false,
			Users:    map[string]string{"alice": "secret"},
		}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := BuildAuthHandler(tt.cfg)

			gotNoAuth := h.ChooseMethod([]AuthMethod{MethodNoAuth}) == MethodNoAuth
			if gotNoAuth != tt.offerNoAuth {
				t.Errorf("offers no-auth = %v, want %v", gotNoAuth, tt.offerNoAuth)
			}

			gotUserPass := h.ChooseMethod([]AuthMethod{MethodUserPass}) == MethodUserPass
			if gotUserPass != tt.offerAnyUser {
				t.Errorf("offers user-pass = %v, want %v", gotUserPass, tt.offerAnyUser)
			}
		})
	}
}

// bytesReadWriter adapts a reader and a buffer into a single io.ReadWriter,
// the shape RunSubprotocol expects for the auth sub-negotiation socket.
type bytesReadWriter struct {
	r *bytes.Reader
	w *bytes.Buffer
}

func (b *bytesReadWriter) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *bytesReadWriter) Write(p []byte) (int, error) { return b.w.Write(p) }
