package authorization

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apiserver/pkg/authorization/authorizer"
	"k8s.io/utils/ptr"
)

// provision creates the requested object for a first-time OIDC user. The
// object is only created when the requested name is the canonical derived
// name for the authenticated username, so users cannot claim arbitrary
// object names.
func (b *BasicAuthorizer) provision(
	ctx context.Context,
	attributes authorizer.Attributes,
) (authorizer.Decision, string, error) {
	username := attributes.GetUser().GetName()

	if strings.HasPrefix(username, b.prefix) {
		// internal subjects reference existing objects, never provision them
		return authorizer.DecisionDeny, "", nil
	}

	if attributes.GetName() != normalizeName(username) {
		return authorizer.DecisionDeny, "object name does not match the provisioned name for this user", nil
	}

	meta := metav1.ObjectMeta{
		Namespace: attributes.GetNamespace(),
		Name:      attributes.GetName(),
	}

	switch attributes.GetResource() {
	case "Exporter":
		if err := b.client.Create(ctx, &jumpstarterdevv1alpha1.Exporter{
			ObjectMeta: meta,
			Spec:       jumpstarterdevv1alpha1.ExporterSpec{Username: ptr.To(username)},
		}); err != nil {
			return authorizer.DecisionDeny, "failed to provision exporter", err
		}
	case "Client":
		if err := b.client.Create(ctx, &jumpstarterdevv1alpha1.Client{
			ObjectMeta: meta,
			Spec:       jumpstarterdevv1alpha1.ClientSpec{Username: ptr.To(username)},
		}); err != nil {
			return authorizer.DecisionDeny, "failed to provision client", err
		}
	default:
		return authorizer.DecisionDeny, "invalid object kind", nil
	}

	return authorizer.DecisionAllow, "", nil
}

// normalizeName derives a stable RFC1123 resource name from an arbitrary
// username, e.g. "foo@example.com" becomes "oidc-foo-example-com-321ba1".
// The sha256 suffix keeps distinct usernames from colliding after
// sanitization.
func normalizeName(username string) string {
	var sanitized strings.Builder
	previousDash := true
	for _, r := range strings.ToLower(username) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sanitized.WriteRune(r)
			previousDash = false
		} else if !previousDash {
			sanitized.WriteRune('-')
			previousDash = true
		}
	}

	name := "oidc-" + strings.Trim(sanitized.String(), "-")
	if len(name) > 42 {
		name = name[:42]
	}
	name = strings.TrimRight(name, "-")

	hash := sha256.Sum256([]byte(username))

	return name + "-" + hex.EncodeToString(hash[:3])
}
