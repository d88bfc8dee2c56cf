package controller

import (
	"os"
)

// controllerEndpoint is the grpc address published on Exporter and Client
// statuses so issued credentials point at the right controller.
func controllerEndpoint() string {
	if ep := os.Getenv("GRPC_ENDPOINT"); ep != "" {
		return ep
	}
	return "localhost:8082"
}
