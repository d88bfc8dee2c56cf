package config

import (
	"time"

	apiserverv1beta1 "k8s.io/apiserver/pkg/apis/apiserver/v1beta1"
)

type Config struct {
	Authentication Authentication `json:"authentication"`
	Provisioning   Provisioning   `json:"provisioning"`
	Grpc           Grpc           `json:"grpc"`
	Lease          Lease          `json:"lease"`
	Exporter       Exporter       `json:"exporter"`
}

type Authentication struct {
	Internal Internal                            `json:"internal"`
	K8s      K8s                                 `json:"k8s"`
	JWT      []apiserverv1beta1.JWTAuthenticator `json:"jwt"`
}

type Provisioning struct {
	Enabled bool `json:"enabled"`
}

type Internal struct {
	Prefix        string `json:"prefix"`
	TokenLifetime string `json:"tokenLifetime"`
}

type K8s struct {
	Enabled bool `json:"enabled"`
}

type Grpc struct {
	Keepalive Keepalive `json:"keepalive"`
}

type Keepalive struct {
	MinTime             string `json:"minTime"`
	PermitWithoutStream bool   `json:"permitWithoutStream"`
	Timeout             string `json:"timeout"`
	IntervalTime        string `json:"intervalTime"`
}

type Lease struct {
	DefaultDuration string `json:"defaultDuration"`
	MaximumDuration string `json:"maximumDuration"`
}

type Exporter struct {
	OfflineTimeout string `json:"offlineTimeout"`
}

type Router map[string]RouterEntry

type RouterEntry struct {
	Endpoint string            `json:"endpoint"`
	Labels   map[string]string `json:"labels"`
}

// ParseDuration parses a duration string, treating the empty string as zero
// so that unset config fields fall back to their defaults.
func ParseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}
