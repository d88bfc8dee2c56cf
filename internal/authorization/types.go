package authorization

import (
	"context"

	"k8s.io/apiserver/pkg/authentication/user"
	"k8s.io/apiserver/pkg/authorization/authorizer"
)

// ContextAttributesGetter derives the authorization attributes of a request,
// i.e. which object the caller is acting on, from its grpc context.
type ContextAttributesGetter interface {
	ContextAttributes(context.Context, user.Info) (authorizer.Attributes, error)
}
