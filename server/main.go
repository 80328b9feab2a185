package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gammadia/gridscale/rpc"
	"github.com/gammadia/gridscale/server/flags"
	"github.com/gammadia/gridscale/server/log"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Cancelled by the first interrupt, every goroutine below shuts down from it.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the load balancer and the gRPC server.
var wg sync.WaitGroup

func main() {
	if err := flags.Init(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			lo.Must(fmt.Fprintln(os.Stderr, err))
		}
		os.Exit(1)
	}

	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("gridscaled starting up...", "version", version, "commit", commit)
	startedAt := time.Now()

	cf, err := readClusterfile()
	if err != nil {
		log.Error("Failed to read clusterfile", "file", viper.GetString(flags.Clusterfile), "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", viper.GetInt(flags.Port)))
	if err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}

	setupInterrupts()

	// The board must be listening before the cluster is loaded to see the initial nodes.
	board := newNodeBoard(cf.Master)
	if err := createCluster(ctx, cf, board); err != nil {
		log.Error("Failed to create cluster", "error", err)
		release()
		os.Exit(1)
	}

	s := grpc.NewServer()
	rpc.RegisterClusterServer(s, &server{cluster: clusterInstance, board: board, startedAt: startedAt})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Load balancer goroutine. Once it stops, in-flight integrations are
	// abandoned: they are resumed from the provider on the next start.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := balance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Load balancer stopped", "error", err)
		}
		pipe.Shutdown()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			healthServer.Shutdown()
			s.GracefulStop()
		}()

		log.Info("Server listening", "address", lis.Addr())
		if err := s.Serve(lis); err != nil {
			log.Error("Failed to serve", "error", err)
			os.Exit(1)
		}
	}()

	wg.Wait()
	release()
	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts cancels ctx on the first SIGINT or SIGTERM and exits on the second one.
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
