package service

import (
	"net"
	"os"
)

func endpointFromEnv(key string, fallback string) string {
	if ep := os.Getenv(key); ep != "" {
		return ep
	}
	return fallback
}

// controllerEndpoint is the address exporters and clients reach the
// controller grpc service on.
func controllerEndpoint() string {
	return endpointFromEnv("GRPC_ENDPOINT", "localhost:8082")
}

// routerEndpoint is the fallback router address handed out by Listen and
// Dial when no router table entry matches.
func routerEndpoint() string {
	return endpointFromEnv("GRPC_ROUTER_ENDPOINT", "localhost:8083")
}

// endpointToSAN splits a host:port endpoint into certificate SAN entries,
// telling IP addresses and DNS names apart.
func endpointToSAN(endpoint string) ([]string, []net.IP, error) {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return []string{}, []net.IP{ip}, nil
	}
	return []string{host}, []net.IP{}, nil
}
