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
	"flag"
	"os"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/jumpstarter-dev/jumpstarter-controller/internal/config"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/service"

	_ "google.golang.org/grpc/encoding/gzip"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the router configuration file.")
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	logger := ctrl.Log.WithName("router")

	controllerKey := os.Getenv("CONTROLLER_KEY")
	if controllerKey == "" {
		logger.Error(nil, "CONTROLLER_KEY must be set, it seeds the stream token key")
		os.Exit(1)
	}

	options, err := config.LoadRouterConfiguration(configPath)
	if err != nil {
		logger.Error(err, "unable to load router configuration")
		os.Exit(1)
	}

	svc := service.RouterService{
		StreamKey:     service.StreamKeyFromSeed([]byte(controllerKey)),
		ServerOptions: options,
	}

	if err := svc.Start(ctrl.SetupSignalHandler()); err != nil {
		logger.Error(err, "problem running router service")
		os.Exit(1)
	}
}
