package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
	"google.golang.org/grpc"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apiserver/pkg/authentication/authenticator"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"
)

const (
	// DefaultTokenLifetime is the validity of issued object credentials, 5 years.
	DefaultTokenLifetime = 43800 * time.Hour
	// DefaultLeaseDuration is granted when a lease request carries no duration.
	DefaultLeaseDuration = 30 * time.Minute
	// DefaultOfflineTimeout is how long an exporter may stay silent before
	// it is considered offline.
	DefaultOfflineTimeout = 180 * time.Second
)

// Settings is the assembled runtime configuration of the controller process.
type Settings struct {
	Signer        *oidc.Signer
	Authenticator authenticator.Token
	Prefix        string
	Router        Router
	ServerOptions []grpc.ServerOption
	Provisioning  Provisioning

	LeaseDefaultDuration   time.Duration
	LeaseMaximumDuration   time.Duration
	ExporterOfflineTimeout time.Duration
}

// LoadConfiguration reads the controller ConfigMap and assembles the runtime
// settings. The "config" key holds the Config document, the "routers" key the
// router directory.
func LoadConfiguration(
	ctx context.Context,
	reader client.Reader,
	scheme *runtime.Scheme,
	key client.ObjectKey,
	signer *oidc.Signer,
	certificateAuthority string,
	clientset kubernetes.Interface,
) (*Settings, error) {
	var configmap corev1.ConfigMap
	if err := reader.Get(ctx, key, &configmap); err != nil {
		return nil, err
	}

	var config Config
	if raw, ok := configmap.Data["config"]; ok {
		if err := yaml.Unmarshal([]byte(raw), &config); err != nil {
			return nil, fmt.Errorf("LoadConfiguration: failed to parse config: %w", err)
		}
	}

	tokenLifetime, err := ParseDuration(config.Authentication.Internal.TokenLifetime)
	if err != nil {
		return nil, fmt.Errorf("LoadConfiguration: failed to parse token lifetime: %w", err)
	}
	if tokenLifetime == 0 {
		tokenLifetime = DefaultTokenLifetime
	}
	signer = signer.WithTokenLifetime(tokenLifetime)

	authn, prefix, err := LoadAuthenticationConfiguration(
		ctx,
		scheme,
		config.Authentication,
		signer,
		certificateAuthority,
		clientset,
	)
	if err != nil {
		return nil, err
	}

	var router Router
	if raw, ok := configmap.Data["routers"]; ok {
		if err := yaml.Unmarshal([]byte(raw), &router); err != nil {
			return nil, fmt.Errorf("LoadConfiguration: failed to parse routers: %w", err)
		}
	}

	options, err := LoadGrpcConfiguration(config.Grpc)
	if err != nil {
		return nil, err
	}

	leaseDefault, err := ParseDuration(config.Lease.DefaultDuration)
	if err != nil {
		return nil, fmt.Errorf("LoadConfiguration: failed to parse lease defaultDuration: %w", err)
	}
	if leaseDefault == 0 {
		leaseDefault = DefaultLeaseDuration
	}

	leaseMaximum, err := ParseDuration(config.Lease.MaximumDuration)
	if err != nil {
		return nil, fmt.Errorf("LoadConfiguration: failed to parse lease maximumDuration: %w", err)
	}

	offlineTimeout, err := ParseDuration(config.Exporter.OfflineTimeout)
	if err != nil {
		return nil, fmt.Errorf("LoadConfiguration: failed to parse exporter offlineTimeout: %w", err)
	}
	if offlineTimeout == 0 {
		offlineTimeout = DefaultOfflineTimeout
	}

	return &Settings{
		Signer:                 signer,
		Authenticator:          authn,
		Prefix:                 prefix,
		Router:                 router,
		ServerOptions:          options,
		Provisioning:           config.Provisioning,
		LeaseDefaultDuration:   leaseDefault,
		LeaseMaximumDuration:   leaseMaximum,
		ExporterOfflineTimeout: offlineTimeout,
	}, nil
}
