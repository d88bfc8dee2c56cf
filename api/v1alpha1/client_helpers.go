package v1alpha1

import "strings"

// InternalSubject is the token subject for this client. The uid part pins
// the subject to this incarnation of the object, so recreating a client
// under the same name invalidates previously issued credentials.
func (c *Client) InternalSubject() string {
	namespace, uid := getNamespaceAndUID(c.Namespace, c.UID, c.Annotations)
	return strings.Join([]string{"client", namespace, c.Name, uid}, ":")
}

// Usernames lists every username this client may authenticate as: the
// prefixed internal subject, plus the OIDC username when one is bound.
func (c *Client) Usernames(prefix string) []string {
	usernames := []string{prefix + c.InternalSubject()}

	if c.Spec.Username != nil {
		usernames = append(usernames, *c.Spec.Username)
	}

	return usernames
}
