package authorization

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"k8s.io/apiserver/pkg/authentication/user"
	"k8s.io/apiserver/pkg/authorization/authorizer"
)

var _ ContextAttributesGetter = &MetadataAttributesGetter{}

// MetadataAttributesGetterConfig names the grpc metadata keys the target
// object reference is read from.
type MetadataAttributesGetterConfig struct {
	NamespaceKey string
	ResourceKey  string
	NameKey      string
}

// MetadataAttributesGetter reads authorization attributes from request
// metadata, so callers have to declare which object they act on.
type MetadataAttributesGetter struct {
	config MetadataAttributesGetterConfig
}

func NewMetadataAttributesGetter(config MetadataAttributesGetterConfig) *MetadataAttributesGetter {
	return &MetadataAttributesGetter{config: config}
}

func (g *MetadataAttributesGetter) ContextAttributes(
	ctx context.Context,
	userInfo user.Info,
) (authorizer.Attributes, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "missing metadata")
	}

	attributes := authorizer.AttributesRecord{User: userInfo}

	for _, field := range []struct {
		key  string
		dest *string
	}{
		{g.config.NamespaceKey, &attributes.Namespace},
		{g.config.ResourceKey, &attributes.Resource},
		{g.config.NameKey, &attributes.Name},
	} {
		value, err := metadataValue(md, field.key)
		if err != nil {
			return nil, err
		}
		*field.dest = value
	}

	return attributes, nil
}

// metadataValue insists on exactly one value for the key, mirroring the
// single-header rule for authorization.
func metadataValue(md metadata.MD, key string) (string, error) {
	values := md.Get(key)
	if len(values) == 0 {
		return "", status.Errorf(codes.InvalidArgument, "missing metadata: %s", key)
	}
	if len(values) > 1 {
		return "", status.Errorf(codes.InvalidArgument, "multiple metadata: %s", key)
	}
	return values[0], nil
}
