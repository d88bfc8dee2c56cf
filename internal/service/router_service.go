/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/authentication"
	pb "github.com/jumpstarter-dev/jumpstarter-protocol/go/jumpstarter/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// RouterService pairs the two sides of a stream and copies frames between
// them. It holds no Kubernetes client: stream tokens are verified locally
// with the derived stream key.
type RouterService struct {
	pb.UnimplementedRouterServiceServer
	StreamKey     []byte
	ServerOptions []grpc.ServerOption
	pending       sync.Map
}

type streamContext struct {
	cancel context.CancelFunc
	stream pb.RouterService_StreamServer
}

func (s *RouterService) authenticate(ctx context.Context) (string, time.Time, error) {
	token, err := authentication.BearerTokenFromContext(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	return VerifyStreamToken(s.StreamKey, token)
}

func (s *RouterService) Stream(stream pb.RouterService_StreamServer) error {
	ctx := stream.Context()
	logger := log.FromContext(ctx)

	streamName, exp, err := s.authenticate(ctx)
	if err != nil {
		logger.Error(err, "failed to authenticate")
		return err
	}

	logger.Info("streaming", "stream", streamName)

	// the stream lives at most as long as its token
	ctx, cancel := context.WithDeadline(ctx, exp)
	defer cancel()

	sctx := &streamContext{
		cancel: cancel,
		stream: stream,
	}

	actual, loaded := s.pending.LoadOrStore(streamName, sctx)
	if loaded {
		// one-time pairing: take the waiter out before forwarding so a
		// third arrival with the same token falls into the waiter branch
		s.pending.Delete(streamName)
		defer actual.(*streamContext).cancel()
		logger.Info("forwarding", "stream", streamName)
		return Forward(ctx, stream, actual.(*streamContext).stream)
	} else {
		defer s.pending.CompareAndDelete(streamName, sctx)
		logger.Info("waiting for the other side", "stream", streamName)
		<-ctx.Done()
		return nil
	}
}

func (s *RouterService) Start(ctx context.Context) error {
	logger := log.FromContext(ctx)

	dnsnames, ipaddresses, err := endpointToSAN(routerEndpoint())
	if err != nil {
		return err
	}

	cert, err := externalOrSelfSignedCertificate("jumpstarter router", dnsnames, ipaddresses)
	if err != nil {
		return err
	}

	server := grpc.NewServer(append(
		s.ServerOptions,
		grpc.ChainStreamInterceptor(recovery.StreamServerInterceptor()),
	)...)

	pb.RegisterRouterServiceServer(server, s)

	reflection.Register(server)

	listener, err := tls.Listen("tcp", ":8083", &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"h2"},
	})
	if err != nil {
		return err
	}

	logger.Info("Starting Router grpc service on port 8083")

	go func() {
		<-ctx.Done()
		logger.Info("Stopping Router grpc service")
		server.Stop()
	}()

	return server.Serve(listener)
}
