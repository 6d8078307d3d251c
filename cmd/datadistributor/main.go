package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/config"
	"github.com/kakaiu/foundationdb/internal/distributor"
	"github.com/kakaiu/foundationdb/internal/kvstore"
	"github.com/kakaiu/foundationdb/internal/rpc"
	"google.golang.org/grpc"
)

var (
	grpcAddr string
	raftAddr string
	nodeID   string
	dataDir  string
)

func init() {
	flag.StringVar(&grpcAddr, "grpc-addr", "localhost:6101", "gRPC listen address")
	flag.StringVar(&raftAddr, "raft-addr", "localhost:7101", "Raft listen address for the system keyspace replica")
	flag.StringVar(&nodeID, "node-id", "", "Node ID")
	flag.StringVar(&dataDir, "data-dir", "data/", "Data directory")
}

func main() {
	flag.Parse()
	config.LoadEnvFile()
	knobs := config.FromEnv()

	if nodeID == "" {
		log.Fatalf("node-id is required")
	}

	dataDir = filepath.Join(dataDir, nodeID)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := kvstore.Open(openCtx, kvstore.Options{
		NodeHostDir: filepath.Join(dataDir, "raft"),
		RaftAddress: raftAddr,
		DataDir:     filepath.Join(dataDir, "keyspace"),
	})
	cancelOpen()
	if err != nil {
		log.Fatalf("failed to open system keyspace: %v", err)
	}
	defer store.Close()

	sup := distributor.New(store, uuid.New(), knobs)

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", grpcAddr, err)
	}
	grpcServer := grpc.NewServer()
	rpc.NewServer(sup, nil).Register(grpcServer)
	go func() {
		log.Printf("datadistributor %s serving gRPC on %s", sup.ID(), grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received %s, shutting down", sig)
		cancel()
	}()

	err = sup.Run(ctx)
	grpcServer.GracefulStop()
	if err != nil && ctx.Err() == nil {
		log.Fatalf("distributor exited: %v", err)
	}
	log.Printf("datadistributor stopped")
}
