package service

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	kclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// ParseObjectIdentifier splits an identifier of the form
// namespaces/<namespace>/<kind>/<name> into an object key.
func ParseObjectIdentifier(identifier string, kind string) (*kclient.ObjectKey, error) {
	segments := strings.Split(identifier, "/")

	if len(segments) != 4 {
		return nil, status.Errorf(
			codes.InvalidArgument,
			"invalid number of segments in identifier \"%s\", expecting 4, got %d",
			identifier,
			len(segments),
		)
	}

	if segments[0] != "namespaces" {
		return nil, status.Errorf(
			codes.InvalidArgument,
			"invalid first segment in identifier \"%s\", expecting \"namespaces\", got \"%s\"",
			identifier,
			segments[0],
		)
	}

	if segments[2] != kind {
		return nil, status.Errorf(
			codes.InvalidArgument,
			"invalid third segment in identifier \"%s\", expecting \"%s\", got \"%s\"",
			identifier,
			kind,
			segments[2],
		)
	}

	return &kclient.ObjectKey{
		Namespace: segments[1],
		Name:      segments[3],
	}, nil
}

func UnparseObjectIdentifier(key kclient.ObjectKey, kind string) string {
	return fmt.Sprintf("namespaces/%s/%s/%s", key.Namespace, kind, key.Name)
}

func ParseExporterIdentifier(identifier string) (*kclient.ObjectKey, error) {
	return ParseObjectIdentifier(identifier, "exporters")
}

func UnparseExporterIdentifier(key kclient.ObjectKey) string {
	return UnparseObjectIdentifier(key, "exporters")
}

// MatchLabels counts the label pairs present with equal values in both maps.
func MatchLabels(a map[string]string, b map[string]string) int {
	matches := 0
	for k, v := range a {
		if b[k] == v {
			matches++
		}
	}
	return matches
}
