// Package identity defines the boundary to the identity collaborator, which
// supplies the per-user credential the transport adapter sends with.
package identity

import (
	"context"
	"errors"
)

// ErrCredentialUnavailable indicates no valid delivery credential exists for
// the user. The delivery worker treats this as a terminal failure.
var ErrCredentialUnavailable = errors.New("delivery credential unavailable")

// CredentialSource yields a delivery credential valid for the transport call.
type CredentialSource interface {
	// AccessToken returns a bearer credential for the given user.
	AccessToken(ctx context.Context, userID string) (string, error)
}

// StaticCredentialSource returns one fixed token for every user. Dev and
// test use only; production wires the real identity collaborator.
type StaticCredentialSource struct {
	Token string
}

func (s StaticCredentialSource) AccessToken(ctx context.Context, userID string) (string, error) {
	if s.Token == "" {
		return "", ErrCredentialUnavailable
	}
	return s.Token, nil
}
