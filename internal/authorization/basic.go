package authorization

import (
	"context"
	"slices"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apiserver/pkg/authorization/authorizer"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// BasicAuthorizer allows access to an object when the authenticated username
// is one of the object's accepted usernames. With provisioning enabled,
// objects are created on first use for OIDC users whose derived resource
// name matches the requested one.
type BasicAuthorizer struct {
	client       client.Client
	prefix       string
	provisioning bool
}

func NewBasicAuthorizer(client client.Client, prefix string, provisioning bool) authorizer.Authorizer {
	return &BasicAuthorizer{client: client, prefix: prefix, provisioning: provisioning}
}

func (b *BasicAuthorizer) Authorize(
	ctx context.Context,
	attributes authorizer.Attributes,
) (authorizer.Decision, string, error) {
	switch attributes.GetResource() {
	case "Exporter":
		var e jumpstarterdevv1alpha1.Exporter
		if err := b.client.Get(ctx, client.ObjectKey{
			Namespace: attributes.GetNamespace(),
			Name:      attributes.GetName(),
		}, &e); err != nil {
			if apierrors.IsNotFound(err) && b.provisioning {
				return b.provision(ctx, attributes)
			}
			return authorizer.DecisionDeny, "failed to get exporter", err
		}
		if slices.Contains(e.Usernames(b.prefix), attributes.GetUser().GetName()) {
			return authorizer.DecisionAllow, "", nil
		} else {
			return authorizer.DecisionDeny, "", nil
		}
	case "Client":
		var c jumpstarterdevv1alpha1.Client
		if err := b.client.Get(ctx, client.ObjectKey{
			Namespace: attributes.GetNamespace(),
			Name:      attributes.GetName(),
		}, &c); err != nil {
			if apierrors.IsNotFound(err) && b.provisioning {
				return b.provision(ctx, attributes)
			}
			return authorizer.DecisionDeny, "failed to get client", err
		}
		if slices.Contains(c.Usernames(b.prefix), attributes.GetUser().GetName()) {
			return authorizer.DecisionAllow, "", nil
		} else {
			return authorizer.DecisionDeny, "", nil
		}
	default:
		return authorizer.DecisionDeny, "invalid object kind", nil
	}
}
