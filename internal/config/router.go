package config

import (
	"fmt"
	"os"

	"google.golang.org/grpc"
	"sigs.k8s.io/yaml"
)

// RouterConfig is the configuration document of the router process. The
// router runs without a Kubernetes client, so it reads its configuration
// from a mounted file instead of a ConfigMap.
type RouterConfig struct {
	Grpc Grpc `json:"grpc"`
}

// LoadRouterConfiguration reads the router config file and derives the gRPC
// server options. An empty path yields the defaults.
func LoadRouterConfiguration(path string) ([]grpc.ServerOption, error) {
	var config RouterConfig

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("LoadRouterConfiguration: %w", err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("LoadRouterConfiguration: failed to parse %s: %w", path, err)
		}
	}

	return LoadGrpcConfiguration(config.Grpc)
}
