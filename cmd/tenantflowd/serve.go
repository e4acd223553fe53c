package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	runtimepkg "github.com/drblury/tenantflow/internal/runtime"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the delivery service with its gRPC and admin servers",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("grpc"); v != "" {
				conf.GRPCAddress = v
			}
			if v, _ := cmd.Flags().GetString("admin"); v != "" {
				conf.AdminAddress = v
			}
			log, flush, err := newLogger(conf, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer flush()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			svc, err := runtimepkg.NewService(ctx, conf, log, runtimepkg.ServiceDependencies{})
			if err != nil {
				return err
			}
			return serve(ctx, svc, log)
		},
	}
	cmd.Flags().String("grpc", "", "gRPC listen address (overrides grpc_address)")
	cmd.Flags().String("admin", "", "Admin HTTP listen address (overrides admin_address)")
	return cmd
}

// serve runs the service, the gRPC server and the admin server until ctx
// is done or one of them fails.
func serve(ctx context.Context, svc *runtimepkg.Service, log loggingpkg.ServiceLogger) error {
	lis, err := net.Listen("tcp", svc.Conf.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcServer := svc.NewGRPCServer()
	admin := &http.Server{
		Addr:              svc.Conf.AdminAddress,
		Handler:           svc.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		log.Info("Serving gRPC", loggingpkg.LogFields{"address": lis.Addr().String()})
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info("Serving admin API", loggingpkg.LogFields{"address": admin.Addr})
		if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return admin.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
