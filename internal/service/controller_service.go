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
	"cmp"
	"context"
	"crypto/tls"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	gwruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/authentication"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/authorization"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/config"
	jlog "github.com/jumpstarter-dev/jumpstarter-controller/internal/log"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
	pb "github.com/jumpstarter-dev/jumpstarter-protocol/go/jumpstarter/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	k8suuid "k8s.io/apimachinery/pkg/util/uuid"
	"k8s.io/apiserver/pkg/authorization/authorizer"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
)

// ControllerService exposes a gRPC service
type ControllerService struct {
	pb.UnimplementedControllerServiceServer
	Client               client.WithWatch
	Scheme               *runtime.Scheme
	Authn                authentication.ContextAuthenticator
	Authz                authorizer.Authorizer
	Attr                 authorization.ContextAttributesGetter
	ServerOptions        []grpc.ServerOption
	Router               config.Router
	StreamKey            []byte
	LeaseDefaultDuration time.Duration
	LeaseMaximumDuration time.Duration
	registry             Registry
}

type wrappedStream struct {
	grpc.ServerStream
}

func logContext(ctx context.Context) context.Context {
	p, ok := peer.FromContext(ctx)
	if ok {
		return log.IntoContext(ctx, log.FromContext(ctx, "peer", p.Addr))
	}
	return ctx
}

func (w *wrappedStream) Context() context.Context {
	return logContext(w.ServerStream.Context())
}

func (s *ControllerService) authenticateClient(ctx context.Context) (*jumpstarterdevv1alpha1.Client, error) {
	return oidc.VerifyClientObjectToken(
		ctx,
		s.Authn,
		s.Authz,
		s.Attr,
		s.Client,
	)
}

func (s *ControllerService) authenticateExporter(ctx context.Context) (*jumpstarterdevv1alpha1.Exporter, error) {
	return oidc.VerifyExporterObjectToken(
		ctx,
		s.Authn,
		s.Authz,
		s.Attr,
		s.Client,
	)
}

func exporterIdentifier(exporter *jumpstarterdevv1alpha1.Exporter) string {
	return UnparseExporterIdentifier(client.ObjectKeyFromObject(exporter))
}

func (s *ControllerService) Register(ctx context.Context, req *pb.RegisterRequest) (*pb.RegisterResponse, error) {
	logger := log.FromContext(ctx)

	exporter, err := s.authenticateExporter(ctx)
	if err != nil {
		logger.Info("unable to authenticate exporter", "error", err.Error())
		return nil, err
	}

	logger = logger.WithValues("exporter", types.NamespacedName{
		Namespace: exporter.Namespace,
		Name:      exporter.Name,
	})

	jlog.Info(logger, "Registering exporter")

	original := client.MergeFrom(exporter.DeepCopy())

	// exporter-reported labels replace previous ones, while labels in the
	// jumpstarter.dev/ namespace remain controller-owned
	labels := make(map[string]string)
	for k, v := range exporter.Labels {
		if strings.HasPrefix(k, "jumpstarter.dev/") {
			labels[k] = v
		}
	}
	for k, v := range req.Labels {
		if !strings.HasPrefix(k, "jumpstarter.dev/") {
			labels[k] = v
		}
	}
	exporter.Labels = labels

	if err := s.Client.Patch(ctx, exporter, original); err != nil {
		logger.Error(err, "unable to update exporter")
		return nil, status.Errorf(codes.Internal, "unable to update exporter: %s", err)
	}

	original = client.MergeFrom(exporter.DeepCopy())

	devices := []jumpstarterdevv1alpha1.Device{}
	for _, device := range req.GetDeviceReport() {
		devices = append(devices, jumpstarterdevv1alpha1.Device{
			Uuid:       device.GetDeviceUuid(),
			ParentUuid: device.ParentDeviceUuid,
			Labels:     device.GetLabels(),
		})
	}
	exporter.Status.Devices = devices
	exporter.Status.LastSeen = metav1.Now()

	if err := s.Client.Status().Patch(ctx, exporter, original); err != nil {
		logger.Error(err, "unable to update exporter status")
		return nil, status.Errorf(codes.Internal, "unable to update exporter status: %s", err)
	}

	return &pb.RegisterResponse{}, nil
}

func (s *ControllerService) Bye(ctx context.Context, req *pb.ByeRequest) (*emptypb.Empty, error) {
	logger := log.FromContext(ctx)

	exporter, err := s.authenticateExporter(ctx)
	if err != nil {
		logger.Info("unable to authenticate exporter", "error", err.Error())
		return nil, err
	}

	logger = logger.WithValues("exporter", types.NamespacedName{
		Namespace: exporter.Namespace,
		Name:      exporter.Name,
	})

	original := client.MergeFrom(exporter.DeepCopy())
	exporter.Status.Devices = nil

	if err := s.Client.Status().Patch(ctx, exporter, original); err != nil {
		logger.Error(err, "unable to update exporter status")
		return nil, status.Errorf(codes.Internal, "unable to update exporter status: %s", err)
	}

	s.registry.Evict(exporterIdentifier(exporter))

	jlog.Info(logger, "exporter said goodbye", "reason", req.GetReason())

	return &emptypb.Empty{}, nil
}

func (s *ControllerService) Listen(req *pb.ListenRequest, stream pb.ControllerService_ListenServer) error {
	ctx := stream.Context()
	logger := log.FromContext(ctx)

	exporter, err := s.authenticateExporter(ctx)
	if err != nil {
		logger.Info("unable to authenticate exporter", "error", err.Error())
		return err
	}

	key := client.ObjectKeyFromObject(exporter)

	logger = logger.WithValues("exporter", key)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subject := exporterIdentifier(exporter)

	entry, err := s.registry.Register(subject, stream, cancel)
	if err != nil {
		jlog.Warning(logger, "unable to register exporter listener", "error", err.Error())
		return err
	}

	defer s.registry.Unregister(subject, entry)

	jlog.Info(logger, "exporter listening")

	online := func() error {
		var current jumpstarterdevv1alpha1.Exporter
		if err := s.Client.Get(ctx, key, &current); err != nil {
			if errors.IsNotFound(err) {
				return status.Errorf(codes.NotFound, "exporter has been deleted")
			}
			logger.Error(err, "unable to get exporter")
			return nil
		}
		original := client.MergeFrom(current.DeepCopy())
		current.Status.LastSeen = metav1.Now()
		if err := s.Client.Status().Patch(ctx, &current, original); err != nil {
			logger.Error(err, "unable to update exporter status.lastSeen")
		}
		return nil
	}

	ticker := time.NewTicker(time.Second * 10)
	defer ticker.Stop()

	// ticker does not tick instantly, thus calling online immediately once
	// https://github.com/golang/go/issues/17601
	select {
	case <-ctx.Done():
		return nil
	default:
		if err := online(); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			jlog.Debug(logger, "Listen stream terminated")
			return nil
		case <-ticker.C:
			if err := online(); err != nil {
				return err
			}
		}
	}
}

func (s *ControllerService) Dial(ctx context.Context, req *pb.DialRequest) (*pb.DialResponse, error) {
	logger := log.FromContext(ctx)

	jclient, err := s.authenticateClient(ctx)
	if err != nil {
		logger.Info("unable to authenticate client", "error", err.Error())
		return nil, err
	}

	logger = logger.WithValues("client", types.NamespacedName{
		Namespace: jclient.Namespace,
		Name:      jclient.Name,
	})

	key, err := ParseExporterIdentifier(req.GetUuid())
	if err != nil {
		return nil, err
	}

	if key.Namespace != jclient.Namespace {
		return nil, status.Errorf(codes.PermissionDenied, "exporter is not in the client namespace")
	}

	logger = logger.WithValues("exporter", *key)

	var exporter jumpstarterdevv1alpha1.Exporter
	if err := s.Client.Get(ctx, *key, &exporter); err != nil {
		logger.Error(err, "unable to get exporter")
		return nil, err
	}

	if exporter.Status.LeaseRef == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "exporter is not leased")
	}

	var lease jumpstarterdevv1alpha1.Lease
	if err := s.Client.Get(ctx, types.NamespacedName{
		Namespace: exporter.Namespace,
		Name:      exporter.Status.LeaseRef.Name,
	}, &lease); err != nil {
		logger.Error(err, "unable to get lease on exporter")
		return nil, err
	}

	if lease.Spec.ClientRef.Name != jclient.Name {
		return nil, status.Errorf(codes.FailedPrecondition, "exporter is leased by another client")
	}

	if lease.Status.Ended || !lease.HasCondition(jumpstarterdevv1alpha1.LeaseConditionTypeReady) {
		return nil, status.Errorf(codes.FailedPrecondition, "lease on exporter is not ready")
	}

	entry, ok := s.registry.Lookup(req.GetUuid())
	if !ok {
		return nil, status.Errorf(codes.Unavailable, "exporter is not listening")
	}

	endpoint, err := s.selectRouter(ctx, &exporter)
	if err != nil {
		return nil, err
	}

	streamID := string(k8suuid.NewUUID())

	exporterToken, err := MintStreamToken(s.StreamKey, streamID)
	if err != nil {
		logger.Error(err, "unable to sign exporter stream token")
		return nil, status.Errorf(codes.Internal, "unable to sign stream token")
	}

	clientToken, err := MintStreamToken(s.StreamKey, streamID)
	if err != nil {
		logger.Error(err, "unable to sign client stream token")
		return nil, status.Errorf(codes.Internal, "unable to sign stream token")
	}

	if err := entry.Send(&pb.ListenResponse{
		RouterEndpoint: endpoint,
		RouterToken:    exporterToken,
		DeviceUuid:     req.GetDeviceUuid(),
	}); err != nil {
		logger.Error(err, "unable to push stream to exporter")
		return nil, status.Errorf(codes.Unavailable, "unable to push stream to exporter")
	}

	jlog.Debug(logger, "Client dial assigned stream", "stream", streamID)

	return &pb.DialResponse{
		RouterEndpoint: endpoint,
		RouterToken:    clientToken,
	}, nil
}

// selectRouter picks the router whose labels best match the exporter's,
// falling back to the entry named "default".
func (s *ControllerService) selectRouter(
	ctx context.Context,
	exporter *jumpstarterdevv1alpha1.Exporter,
) (string, error) {
	logger := log.FromContext(ctx)

	names := maps.Keys(s.Router)
	slices.SortFunc(names, func(a string, b string) int {
		if c := cmp.Compare(
			MatchLabels(s.Router[b].Labels, exporter.Labels),
			MatchLabels(s.Router[a].Labels, exporter.Labels),
		); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	for _, name := range names {
		if MatchLabels(s.Router[name].Labels, exporter.Labels) > 0 {
			logger.Info("selected router", "name", name, "endpoint", s.Router[name].Endpoint)
			return s.Router[name].Endpoint, nil
		}
	}

	if entry, ok := s.Router["default"]; ok {
		logger.Info("selected router", "name", "default", "endpoint", entry.Endpoint)
		return entry.Endpoint, nil
	}

	return "", status.Errorf(codes.Unavailable, "no router available")
}

func exporterReport(exporter *jumpstarterdevv1alpha1.Exporter) *pb.GetReportResponse {
	reports := make([]*pb.DeviceReport, 0, len(exporter.Status.Devices))
	for _, device := range exporter.Status.Devices {
		reports = append(reports, &pb.DeviceReport{
			DeviceUuid:       device.Uuid,
			ParentDeviceUuid: device.ParentUuid,
			Labels:           device.Labels,
		})
	}
	return &pb.GetReportResponse{
		Uuid:         exporterIdentifier(exporter),
		Labels:       exporter.Labels,
		DeviceReport: reports,
	}
}

func (s *ControllerService) ListExporters(
	ctx context.Context,
	req *pb.ListExportersRequest,
) (*pb.ListExportersResponse, error) {
	jclient, err := s.authenticateClient(ctx)
	if err != nil {
		return nil, err
	}

	var exporters jumpstarterdevv1alpha1.ExporterList
	if err := s.Client.List(
		ctx,
		&exporters,
		client.InNamespace(jclient.Namespace),
		client.MatchingLabels(req.GetLabels()),
	); err != nil {
		return nil, err
	}

	results := make([]*pb.GetReportResponse, 0, len(exporters.Items))
	for _, exporter := range exporters.Items {
		results = append(results, exporterReport(&exporter))
	}

	return &pb.ListExportersResponse{
		Exporters: results,
	}, nil
}

func (s *ControllerService) GetExporter(
	ctx context.Context,
	req *pb.GetExporterRequest,
) (*pb.GetExporterResponse, error) {
	jclient, err := s.authenticateClient(ctx)
	if err != nil {
		return nil, err
	}

	key, err := ParseExporterIdentifier(req.GetUuid())
	if err != nil {
		return nil, err
	}

	if key.Namespace != jclient.Namespace {
		return nil, status.Errorf(codes.PermissionDenied, "exporter is not in the client namespace")
	}

	var exporter jumpstarterdevv1alpha1.Exporter
	if err := s.Client.Get(ctx, *key, &exporter); err != nil {
		return nil, err
	}

	return &pb.GetExporterResponse{
		Exporter: exporterReport(&exporter),
	}, nil
}

func leaseExporterInvalid(reason string) *pb.LeaseExporterResponse {
	return &pb.LeaseExporterResponse{
		LeaseExporterResponseOneof: &pb.LeaseExporterResponse_Invalid{
			Invalid: &pb.LeaseExporterResponseInvalid{
				Reason: reason,
			},
		},
	}
}

func (s *ControllerService) LeaseExporter(
	ctx context.Context,
	req *pb.LeaseExporterRequest,
) (*pb.LeaseExporterResponse, error) {
	logger := log.FromContext(ctx)

	jclient, err := s.authenticateClient(ctx)
	if err != nil {
		return nil, err
	}

	logger = logger.WithValues("client", types.NamespacedName{
		Namespace: jclient.Namespace,
		Name:      jclient.Name,
	})

	duration := s.LeaseDefaultDuration
	if req.GetDuration() != nil {
		duration = req.GetDuration().AsDuration()
	}
	if duration <= 0 {
		return leaseExporterInvalid("lease duration must be positive"), nil
	}
	if s.LeaseMaximumDuration > 0 && duration > s.LeaseMaximumDuration {
		duration = s.LeaseMaximumDuration
	}

	var exporterRef *corev1.LocalObjectReference
	var selector metav1.LabelSelector
	if req.GetUuid() != "" {
		key, err := ParseExporterIdentifier(req.GetUuid())
		if err != nil {
			return leaseExporterInvalid(err.Error()), nil
		}
		if key.Namespace != jclient.Namespace {
			return nil, status.Errorf(codes.PermissionDenied, "exporter is not in the client namespace")
		}
		exporterRef = &corev1.LocalObjectReference{Name: key.Name}
	} else {
		selector = metav1.LabelSelector{MatchLabels: req.GetLabels()}
	}

	leaseName, err := uuid.NewV7()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "unable to generate lease name")
	}

	lease := jumpstarterdevv1alpha1.NewLease(
		types.NamespacedName{
			Namespace: jclient.Namespace,
			Name:      leaseName.String(),
		},
		corev1.LocalObjectReference{Name: jclient.Name},
		selector,
		metav1.Duration{Duration: duration},
		exporterRef,
	)

	if err := s.Client.Create(ctx, lease); err != nil {
		logger.Error(err, "unable to create lease")
		return nil, err
	}

	logger.Info("lease created", "lease", lease.Name, "duration", duration)

	return &pb.LeaseExporterResponse{
		LeaseExporterResponseOneof: &pb.LeaseExporterResponse_Success{
			Success: &pb.LeaseExporterResponseSuccess{
				Duration: durationpb.New(duration),
			},
		},
	}, nil
}

func (s *ControllerService) ReleaseExporter(
	ctx context.Context,
	req *pb.ReleaseExporterRequest,
) (*pb.ReleaseExporterResponse, error) {
	jclient, err := s.authenticateClient(ctx)
	if err != nil {
		return nil, err
	}

	var lease jumpstarterdevv1alpha1.Lease
	if err := s.Client.Get(ctx, types.NamespacedName{
		Namespace: jclient.Namespace,
		Name:      req.GetUuid(),
	}, &lease); err != nil {
		return nil, err
	}

	if lease.Spec.ClientRef.Name != jclient.Name {
		return nil, status.Errorf(codes.PermissionDenied, "lease is not held by the client")
	}

	if lease.Status.Ended {
		return nil, status.Errorf(codes.FailedPrecondition, "lease has already ended")
	}

	original := client.MergeFrom(lease.DeepCopy())
	lease.Spec.Release = true

	if err := s.Client.Patch(ctx, &lease, original); err != nil {
		return nil, err
	}

	return &pb.ReleaseExporterResponse{
		ReleaseExporterResponseOneof: &pb.ReleaseExporterResponse_Success{
			Success: &pb.ReleaseExporterResponseSuccess{},
		},
	}, nil
}

func (s *ControllerService) Start(ctx context.Context) error {
	logger := log.FromContext(ctx)

	dnsnames, ipaddresses, err := endpointToSAN(controllerEndpoint())
	if err != nil {
		return err
	}

	cert, err := externalOrSelfSignedCertificate("jumpstarter controller", dnsnames, ipaddresses)
	if err != nil {
		return err
	}

	server := grpc.NewServer(append(
		s.ServerOptions,
		grpc.ChainUnaryInterceptor(func(
			gctx context.Context,
			req any,
			_ *grpc.UnaryServerInfo,
			handler grpc.UnaryHandler,
		) (resp any, err error) {
			return handler(logContext(gctx), req)
		}, recovery.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(func(
			srv any,
			ss grpc.ServerStream,
			_ *grpc.StreamServerInfo,
			handler grpc.StreamHandler,
		) error {
			return handler(srv, &wrappedStream{ServerStream: ss})
		}, recovery.StreamServerInterceptor()),
	)...)

	pb.RegisterControllerServiceServer(server, s)

	// Register reflection service on gRPC server.
	reflection.Register(server)

	// Register gRPC gateway
	gwmux := gwruntime.NewServeMux()

	listener, err := tls.Listen("tcp", ":8082", &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1", "h2"},
	})
	if err != nil {
		return err
	}

	logger.Info("Starting Controller grpc service on port 8082")

	go func() {
		<-ctx.Done()
		logger.Info("Stopping Controller gRPC service")
		server.Stop()
	}()

	return http.Serve(listener, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(
			r.Header.Get("Content-Type"), "application/grpc") {
			server.ServeHTTP(w, r)
		} else {
			gwmux.ServeHTTP(w, r)
		}
	}))
}

// SetupWithManager sets up the controller with the Manager.
func (s *ControllerService) SetupWithManager(mgr ctrl.Manager) error {
	return mgr.Add(s)
}
