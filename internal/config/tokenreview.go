package config

import (
	"context"

	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apiserver/pkg/authentication/authenticator"
	"k8s.io/apiserver/pkg/authentication/user"
	"k8s.io/client-go/kubernetes"
)

// tokenReviewAuthenticator authenticates bearer tokens against the Kubernetes
// TokenReview API, allowing in-cluster service accounts to act as jumpstarter
// users when authentication.k8s.enabled is set.
type tokenReviewAuthenticator struct {
	clientset kubernetes.Interface
}

func (t *tokenReviewAuthenticator) AuthenticateToken(
	ctx context.Context,
	token string,
) (*authenticator.Response, bool, error) {
	review, err := t.clientset.AuthenticationV1().TokenReviews().Create(
		ctx,
		&authenticationv1.TokenReview{
			Spec: authenticationv1.TokenReviewSpec{Token: token},
		},
		metav1.CreateOptions{},
	)
	if err != nil {
		return nil, false, err
	}

	if !review.Status.Authenticated {
		return nil, false, nil
	}

	extra := map[string][]string{}
	for key, value := range review.Status.User.Extra {
		extra[key] = value
	}

	return &authenticator.Response{
		User: &user.DefaultInfo{
			Name:   review.Status.User.Username,
			UID:    review.Status.User.UID,
			Groups: review.Status.User.Groups,
			Extra:  extra,
		},
	}, true, nil
}
