package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apiserverv1beta1 "k8s.io/apiserver/pkg/apis/apiserver/v1beta1"
)

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// AuthenticationConfiguration is the versioned on-disk format for the JWT
// authenticator list, reusing the upstream apiserver authenticator types.
type AuthenticationConfiguration struct {
	metav1.TypeMeta

	JWT []apiserverv1beta1.JWTAuthenticator `json:"jwt"`
}

func init() {
	SchemeBuilder.Register(&AuthenticationConfiguration{})
}
