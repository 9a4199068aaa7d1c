// Copyright 2024 The Dispatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command dispatchd loads a deployment descriptor, starts a dispatch.Dispatcher,
// and serves its admin API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dispatchcore/dispatch"
	"github.com/dispatchcore/dispatch/adminapi"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...any) {})); err != nil {
		fmt.Fprintln(os.Stderr, "maxprocs: "+err.Error())
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		descriptorPath string
		overlayPath    string
		adminAddr      string
		logPath        string
	)

	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "Run a dispatch request router as a standalone process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(descriptorPath, overlayPath, adminAddr, logPath)
		},
	}
	root.Flags().StringVar(&descriptorPath, "descriptor", "", "path to a TOML handler/mapping descriptor")
	root.Flags().StringVar(&overlayPath, "filter-overlay", "", "path to a YAML filter-mapping overlay")
	root.Flags().StringVar(&adminAddr, "admin-listen", "localhost:2021", "address for the admin API")
	root.Flags().StringVar(&logPath, "log-file", "", "rotate logs to this path instead of stderr")

	root.AddCommand(newDumpMappingsCmd(&descriptorPath))
	return root
}

func newDumpMappingsCmd(descriptorPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-mappings",
		Short: "Print the resolved mapping table and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			disp, err := buildDispatcher(*descriptorPath, "")
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(disp.Mappings())
		},
	}
}

func run(descriptorPath, overlayPath, adminAddr, logPath string) error {
	log := dispatch.NewProductionLogger()
	if logPath != "" {
		log = dispatch.RotatingFileLogger(logPath, 100, 5)
	}
	dispatch.SetLogger(log)

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	disp, err := buildDispatcher(descriptorPath, overlayPath)
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics, err := dispatch.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	disp.WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	admin := adminapi.NewServer(disp, log, nil, nil, 2)
	instrumented := otelhttp.NewHandler(admin, "dispatchd.admin")
	server := &http.Server{Addr: adminAddr, Handler: instrumented}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		_ = disp.Stop(ctx)
		_ = server.Close()
	}()

	log.Sugar().Infof("admin API listening on %s", adminAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildDispatcher(descriptorPath, overlayPath string) (*dispatch.Dispatcher, error) {
	disp := dispatch.NewDispatcher(dispatch.Config{EnsureDefaultHandler: true}, nil)

	if descriptorPath != "" {
		d, err := dispatch.LoadDescriptor(descriptorPath)
		if err != nil {
			return nil, err
		}
		if err := d.Apply(disp, dispatch.HandlerFactories{}); err != nil {
			return nil, err
		}
	}
	if overlayPath != "" {
		o, err := dispatch.LoadFilterOverlay(overlayPath)
		if err != nil {
			return nil, err
		}
		if err := o.Apply(disp); err != nil {
			return nil, err
		}
	}
	return disp, nil
}
