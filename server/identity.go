package server

import (
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/vctt94/pongarena/ponggame"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUsername = "X-Username"
)

// IdentityResolver returns the authenticated user behind a request, or nil
// for a guest.
type IdentityResolver interface {
	ResolveIdentity(r *http.Request) (*ponggame.Identity, error)
}

// HeaderIdentity trusts identity headers set by an authenticating proxy in
// front of the server.
type HeaderIdentity struct {
	validate *validator.Validate
}

func NewHeaderIdentity() *HeaderIdentity {
	return &HeaderIdentity{validate: newValidator()}
}

func (h *HeaderIdentity) ResolveIdentity(r *http.Request) (*ponggame.Identity, error) {
	uid := r.Header.Get(HeaderUserID)
	name := r.Header.Get(HeaderUsername)
	if uid == "" {
		if name != "" {
			return nil, fmt.Errorf("%s without %s", HeaderUsername, HeaderUserID)
		}
		return nil, nil
	}
	if err := h.validate.Var(uid, "max=64,printascii"); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", HeaderUserID, err)
	}
	if err := h.validate.Var(name, "omitempty,max=32"); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", HeaderUsername, err)
	}
	if name == "" {
		name = uid
	}
	return &ponggame.Identity{UserID: uid, Username: name}, nil
}
