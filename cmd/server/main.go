package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/reviewpilot/reviewpilot/internal/config"
	"github.com/reviewpilot/reviewpilot/internal/service"
)

func main() {
	cfg := config.FromEnv()
	svc, err := service.Build(cfg)
	if err != nil {
		log.Fatalf("build service: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
