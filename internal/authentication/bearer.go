package authentication

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"k8s.io/apiserver/pkg/authentication/authenticator"
)

var _ ContextAuthenticator = &BearerTokenAuthenticator{}

// BearerTokenAuthenticator adapts a token authenticator to grpc contexts by
// pulling the token out of the incoming metadata.
type BearerTokenAuthenticator struct {
	auth authenticator.Token
}

func NewBearerTokenAuthenticator(auth authenticator.Token) *BearerTokenAuthenticator {
	return &BearerTokenAuthenticator{auth: auth}
}

func (b *BearerTokenAuthenticator) AuthenticateContext(ctx context.Context) (*authenticator.Response, bool, error) {
	token, err := BearerTokenFromContext(ctx)
	if err != nil {
		return nil, false, err
	}

	return b.auth.AuthenticateToken(ctx, token)
}

// BearerTokenFromContext extracts the bearer token from the authorization
// header of the incoming grpc metadata. RFC 7230 forbids repeating a header
// field, so multiple authorization values are rejected outright.
func BearerTokenFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "missing metadata")
	}

	authorizations := md.Get("authorization")
	switch {
	case len(authorizations) == 0:
		return "", status.Errorf(codes.Unauthenticated, "missing authorization header")
	case len(authorizations) > 1:
		return "", status.Errorf(codes.InvalidArgument, "multiple authorization headers")
	}

	authorization := authorizations[0]
	if len(authorization) < 7 || !strings.EqualFold(authorization[:7], "Bearer ") {
		return "", status.Errorf(codes.InvalidArgument, "malformed authorization header")
	}

	return authorization[7:], nil
}
