package v1alpha1

import (
	"strings"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// InternalSubject is the token subject for this exporter, pinned to this
// incarnation of the object by its uid.
func (e *Exporter) InternalSubject() string {
	namespace, uid := getNamespaceAndUID(e.Namespace, e.UID, e.Annotations)
	return strings.Join([]string{"exporter", namespace, e.Name, uid}, ":")
}

func (e *Exporter) Usernames(prefix string) []string {
	usernames := []string{prefix + e.InternalSubject()}

	if e.Spec.Username != nil {
		usernames = append(usernames, *e.Spec.Username)
	}

	return usernames
}

// IsOnline reports whether the Online condition is currently true.
func (e *Exporter) IsOnline() bool {
	return meta.IsStatusConditionTrue(e.Status.Conditions, string(ExporterConditionTypeOnline))
}

func (e *Exporter) SetStatusCondition(condition ExporterConditionType, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&e.Status.Conditions, metav1.Condition{
		Type:               string(condition),
		Status:             status,
		ObservedGeneration: e.Generation,
		Reason:             reason,
		Message:            message,
	})
}
