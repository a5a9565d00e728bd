package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatd/cluster"
	"chatd/config"
	"chatd/db"
	"chatd/models"
	"chatd/server"
	"chatd/store"
)

func main() {
	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	st, err := store.New(database)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	advertise := cfg.Advertise
	if advertise == "" {
		advertise = fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort)
	}

	srv := server.New(st, server.NewRegistry(), nil, &server.ServerConfig{
		ReadTimeout:   time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:  time.Duration(cfg.WriteTimeout) * time.Second,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: float64(cfg.RatePerSecond),
	})

	coord := cluster.New(advertise, st, cluster.Options{
		Interval:     time.Duration(cfg.HeartbeatMS) * time.Millisecond,
		MaxMissed:    cfg.MaxMissed,
		SyncAccounts: cfg.SyncAccounts,
		OnMembership: func(members []models.Member) {
			srv.BroadcastMembership(members)
		},
	})
	srv.SetReplicator(coord)

	mux := http.NewServeMux()
	coord.Routes(mux)
	mux.Handle("/ws", srv.WSHandler())

	// The HTTP side must be reachable before joining: the primary
	// answers the join with a membership broadcast to this node.
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	go func() {
		log.Printf("HTTP listening on %s", httpAddr)
		if err := http.ListenAndServe(httpAddr, mux); err != nil {
			log.Fatalf("HTTP server: %v", err)
		}
	}()

	if err := coord.Bootstrap(cfg.Peer); err != nil {
		log.Fatalf("Failed to bootstrap cluster: %v", err)
	}
	coord.Start()

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		coord.Stop()
		srv.Shutdown()
		os.Exit(0)
	}()

	log.Fatal(srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Port)))
}
