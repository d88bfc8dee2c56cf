package config

import (
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// LoadGrpcConfiguration loads the gRPC server configuration from the parsed Config struct.
// It creates server options with the keepalive enforcement policy and, when configured,
// the server-side keepalive parameters.
func LoadGrpcConfiguration(config Grpc) ([]grpc.ServerOption, error) {
	ka := config.Keepalive

	minTime, err := ParseDuration(ka.MinTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keepalive minTime: %w", err)
	}
	if minTime == 0 {
		minTime = time.Second
	}

	intervalTime, err := ParseDuration(ka.IntervalTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keepalive intervalTime: %w", err)
	}

	timeout, err := ParseDuration(ka.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keepalive timeout: %w", err)
	}

	options := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             minTime,
			PermitWithoutStream: ka.PermitWithoutStream,
		}),
	}

	if intervalTime != 0 || timeout != 0 {
		parameters := keepalive.ServerParameters{}
		if intervalTime != 0 {
			parameters.Time = intervalTime
		}
		if timeout != 0 {
			parameters.Timeout = timeout
		}
		options = append(options, grpc.KeepaliveParams(parameters))
	}

	return options, nil
}
