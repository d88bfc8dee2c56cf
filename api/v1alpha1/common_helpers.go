package v1alpha1

import "k8s.io/apimachinery/pkg/types"

// Annotations carried over by the migration tooling when objects are moved
// between namespaces. Internal subjects keep referring to the original
// namespace and UID so previously issued credentials stay valid.
const (
	AnnotationMigratedNamespace = "jumpstarter.dev/migrated-namespace"
	AnnotationMigratedUID       = "jumpstarter.dev/migrated-uid"
)

// getNamespaceAndUID returns the namespace and UID for an object, applying migration
// annotation overrides if present.
func getNamespaceAndUID(namespace string, uid types.UID, annotations map[string]string) (string, string) {
	resultNamespace := namespace
	resultUID := string(uid)

	if annotations != nil {
		if migratedNamespace, ok := annotations[AnnotationMigratedNamespace]; ok && migratedNamespace != "" {
			resultNamespace = migratedNamespace
		}
		if migratedUID, ok := annotations[AnnotationMigratedUID]; ok && migratedUID != "" {
			resultUID = migratedUID
		}
	}

	return resultNamespace, resultUID
}

