// Package main starts the plaza real-time service and handles termination.
//
// The process is a transport adapter around avatar presence and room chat so
// durable users, rooms, and messages remain owned by the persistence gateway.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	plazacmd "github.com/nmoreau/plaza.space/internal/cmd/plaza"
)

func main() {
	cfg, err := plazacmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[PLAZA] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := plazacmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
