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

package main

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"flag"
	"net"
	"os"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	apiserverinstall "k8s.io/apiserver/pkg/apis/apiserver/install"
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/authentication"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/authorization"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/config"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/controller"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/service"

	// +kubebuilder:scaffold:imports

	_ "google.golang.org/grpc/encoding/gzip"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(jumpstarterdevv1alpha1.AddToScheme(scheme))

	// +kubebuilder:scaffold:scheme
	apiserverinstall.Install(scheme)
}

func main() {
	var metricsAddr string
	var enableLeaderElection bool
	var probeAddr string
	var secureMetrics bool
	var enableHTTP2 bool
	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metric endpoint binds to. "+
		"Use the port :8080. If not set, it will be 0 in order to disable the metrics server")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", false,
		"If set the metrics endpoint is served securely")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers")
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	webhookServer := webhook.NewServer(webhook.Options{
		TLSOpts: tlsOpts,
	})

	watchNamespace := os.Getenv("WATCH_NAMESPACE")
	if watchNamespace == "" {
		setupLog.Error(nil, "WATCH_NAMESPACE must be set, the controller works on a single namespace")
		os.Exit(1)
	}

	controllerKey := os.Getenv("CONTROLLER_KEY")
	if controllerKey == "" {
		setupLog.Error(nil, "CONTROLLER_KEY must be set, it seeds the signing keys")
		os.Exit(1)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress:   metricsAddr,
			SecureServing: secureMetrics,
			TLSOpts:       tlsOpts,
		},
		WebhookServer:           webhookServer,
		HealthProbeBindAddress:  probeAddr,
		LeaderElection:          enableLeaderElection,
		LeaderElectionID:        "a38b78e7.jumpstarter.dev",
		LeaderElectionNamespace: watchNamespace,
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{
				watchNamespace: {},
			},
		},
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	oidcCert, err := service.NewSelfSignedCertificate("jumpstarter oidc", []string{"localhost"}, []net.IP{})
	if err != nil {
		setupLog.Error(err, "unable to generate certificate for internal oidc provider")
		os.Exit(1)
	}

	oidcSigner, err := oidc.NewSignerFromSeed(
		[]byte(controllerKey),
		"https://localhost:8085",
		"jumpstarter",
		config.DefaultTokenLifetime,
	)
	if err != nil {
		setupLog.Error(err, "unable to create internal oidc signer")
		os.Exit(1)
	}

	clientset, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		setupLog.Error(err, "unable to create clientset")
		os.Exit(1)
	}

	settings, err := config.LoadConfiguration(
		context.Background(),
		mgr.GetAPIReader(),
		mgr.GetScheme(),
		client.ObjectKey{
			Namespace: watchNamespace,
			Name:      "jumpstarter-controller",
		},
		oidcSigner,
		string(pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: oidcCert.Certificate[0],
		})),
		clientset,
	)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	if err = (&controller.ExporterReconciler{
		Client:         mgr.GetClient(),
		Scheme:         mgr.GetScheme(),
		Signer:         settings.Signer,
		OfflineTimeout: settings.ExporterOfflineTimeout,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Exporter")
		os.Exit(1)
	}
	if err = (&controller.ClientReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Signer: settings.Signer,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Client")
		os.Exit(1)
	}
	if err = (&controller.LeaseReconciler{
		Client:              mgr.GetClient(),
		Scheme:              mgr.GetScheme(),
		ProvisioningEnabled: settings.Provisioning.Enabled,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Lease")
		os.Exit(1)
	}
	// +kubebuilder:scaffold:builder

	watchClient, err := client.NewWithWatch(mgr.GetConfig(), client.Options{Scheme: mgr.GetScheme()})
	if err != nil {
		setupLog.Error(err, "unable to create client with watch", "service", "Controller")
		os.Exit(1)
	}

	if err = (&service.ControllerService{
		Client: watchClient,
		Scheme: mgr.GetScheme(),
		Authn:  authentication.NewBearerTokenAuthenticator(settings.Authenticator),
		Authz:  authorization.NewBasicAuthorizer(watchClient, settings.Prefix, settings.Provisioning.Enabled),
		Attr: authorization.NewMetadataAttributesGetter(authorization.MetadataAttributesGetterConfig{
			NamespaceKey: "jumpstarter-namespace",
			ResourceKey:  "jumpstarter-kind",
			NameKey:      "jumpstarter-name",
		}),
		Router:               settings.Router,
		ServerOptions:        settings.ServerOptions,
		StreamKey:            service.StreamKeyFromSeed([]byte(controllerKey)),
		LeaseDefaultDuration: settings.LeaseDefaultDuration,
		LeaseMaximumDuration: settings.LeaseMaximumDuration,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create service", "service", "Controller")
		os.Exit(1)
	}

	if err = (&service.OIDCService{
		Signer: settings.Signer,
		Cert:   oidcCert,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create service", "service", "OIDC")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
