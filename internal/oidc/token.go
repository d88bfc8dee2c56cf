package oidc

import (
	"context"
	"fmt"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/authentication"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/authorization"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apiserver/pkg/authorization/authorizer"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// VerifyOIDCToken authenticates the request and resolves the attributes of
// the object the caller claims to act on. Authorization is a separate step.
func VerifyOIDCToken(
	ctx context.Context,
	authn authentication.ContextAuthenticator,
	attr authorization.ContextAttributesGetter,
) (authorizer.Attributes, error) {
	resp, ok, err := authn.AuthenticateContext(ctx)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("failed to authenticate token")
	}

	return attr.ContextAttributes(ctx, resp.User)
}

// verifyObjectToken runs the full authenticate-then-authorize pipeline for
// a caller claiming to be the named object of the given kind.
func verifyObjectToken(
	ctx context.Context,
	authn authentication.ContextAuthenticator,
	authz authorizer.Authorizer,
	attr authorization.ContextAttributesGetter,
	kind string,
) (types.NamespacedName, error) {
	attrs, err := VerifyOIDCToken(ctx, authn, attr)
	if err != nil {
		return types.NamespacedName{}, err
	}

	if attrs.GetResource() != kind {
		return types.NamespacedName{}, status.Errorf(codes.InvalidArgument, "object kind mismatch")
	}

	decision, _, err := authz.Authorize(ctx, attrs)
	if err != nil {
		return types.NamespacedName{}, err
	}

	if decision != authorizer.DecisionAllow {
		return types.NamespacedName{}, status.Errorf(codes.PermissionDenied, "permission denied")
	}

	return types.NamespacedName{
		Namespace: attrs.GetNamespace(),
		Name:      attrs.GetName(),
	}, nil
}

// VerifyClientObjectToken returns the Client object the authenticated
// caller is authorized to act as.
func VerifyClientObjectToken(
	ctx context.Context,
	authn authentication.ContextAuthenticator,
	authz authorizer.Authorizer,
	attr authorization.ContextAttributesGetter,
	kclient client.Client,
) (*jumpstarterdevv1alpha1.Client, error) {
	key, err := verifyObjectToken(ctx, authn, authz, attr, "Client")
	if err != nil {
		return nil, err
	}

	var jclient jumpstarterdevv1alpha1.Client
	if err := kclient.Get(ctx, key, &jclient); err != nil {
		return nil, err
	}

	return &jclient, nil
}

// VerifyExporterObjectToken returns the Exporter object the authenticated
// caller is authorized to act as.
func VerifyExporterObjectToken(
	ctx context.Context,
	authn authentication.ContextAuthenticator,
	authz authorizer.Authorizer,
	attr authorization.ContextAttributesGetter,
	kclient client.Client,
) (*jumpstarterdevv1alpha1.Exporter, error) {
	key, err := verifyObjectToken(ctx, authn, authz, attr, "Exporter")
	if err != nil {
		return nil, err
	}

	var exporter jumpstarterdevv1alpha1.Exporter
	if err := kclient.Get(ctx, key, &exporter); err != nil {
		return nil, err
	}

	return &exporter, nil
}
