package authentication

import (
	"context"

	"k8s.io/apiserver/pkg/authentication/authenticator"
)

// ContextAuthenticator authenticates a request from its grpc context rather
// than from a bare token string.
type ContextAuthenticator interface {
	AuthenticateContext(context.Context) (*authenticator.Response, bool, error)
}
