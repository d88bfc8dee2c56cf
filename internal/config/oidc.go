package config

import (
	"context"

	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apiserver/pkg/apis/apiserver"
	apiserverv1beta1 "k8s.io/apiserver/pkg/apis/apiserver/v1beta1"
	"k8s.io/apiserver/pkg/authentication/authenticator"
	tokenunion "k8s.io/apiserver/pkg/authentication/token/union"
	"k8s.io/apiserver/pkg/server/dynamiccertificates"
	koidc "k8s.io/apiserver/plugin/pkg/authenticator/token/oidc"
	"k8s.io/client-go/kubernetes"
)

// LoadAuthenticationConfiguration assembles the token authenticator chain:
// the built-in issuer, any configured external OIDC providers and, when
// enabled, the Kubernetes TokenReview API. It returns the chain along with
// the username prefix internal subjects carry.
func LoadAuthenticationConfiguration(
	ctx context.Context,
	scheme *runtime.Scheme,
	config Authentication,
	signer *oidc.Signer,
	certificateAuthority string,
	clientset kubernetes.Interface,
) (authenticator.Token, string, error) {
	prefix := config.Internal.Prefix
	if prefix == "" {
		prefix = "internal:"
	}

	// the built-in issuer is just another JWT authenticator, with subjects
	// namespaced under the internal prefix
	authenticators := append(config.JWT, apiserverv1beta1.JWTAuthenticator{
		Issuer: apiserverv1beta1.Issuer{
			URL:                  signer.Issuer(),
			CertificateAuthority: certificateAuthority,
			Audiences:            []string{signer.Audience()},
		},
		ClaimMappings: apiserverv1beta1.ClaimMappings{
			Username: apiserverv1beta1.PrefixedClaimOrExpression{
				Claim:  "sub",
				Prefix: &prefix,
			},
		},
	})

	authn, err := newJWTAuthenticator(ctx, scheme, authenticators)
	if err != nil {
		return nil, "", err
	}

	if config.K8s.Enabled && clientset != nil {
		authn = tokenunion.NewFailOnError(authn, &tokenReviewAuthenticator{clientset: clientset})
	}

	return authn, prefix, nil
}

// Reference: https://github.com/kubernetes/kubernetes/blob/v1.32.1/pkg/kubeapiserver/authenticator/config.go#L244
func newJWTAuthenticator(
	ctx context.Context,
	scheme *runtime.Scheme,
	configs []apiserverv1beta1.JWTAuthenticator,
) (authenticator.Token, error) {
	var chain []authenticator.Token
	for _, versioned := range configs {
		var ca koidc.CAContentProvider
		if len(versioned.Issuer.CertificateAuthority) > 0 {
			var err error
			ca, err = dynamiccertificates.NewStaticCAContent(
				"oidc-authenticator",
				[]byte(versioned.Issuer.CertificateAuthority),
			)
			if err != nil {
				return nil, err
			}
		}

		var unversioned apiserver.JWTAuthenticator
		if err := scheme.Convert(&versioned, &unversioned, nil); err != nil {
			return nil, err
		}

		authn, err := koidc.New(ctx, koidc.Options{
			JWTAuthenticator:     unversioned,
			CAContentProvider:    ca,
			SupportedSigningAlgs: koidc.AllValidSigningAlgorithms(),
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, authn)
	}
	return tokenunion.NewFailOnError(chain...), nil
}
