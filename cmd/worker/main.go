package main

import (
	"context"
	"log"

	"conclave/internal/app/bootstrap"
)

// Worker process entrypoint.
// Data flow:
// 1) Load config.
// 2) Build pipeline wiring (transport, ledger, workers, aggregator).
// 3) Run dispatch consumer, validator workers, and aggregator until signal.
func main() {
	log.Println("conclave validation worker starting")
	app, err := bootstrap.BuildWorker(nil)
	if err != nil {
		log.Fatalf("bootstrap worker failed: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("worker shutdown close failed: %v", err)
		}
	}()

	if err := app.Run(context.Background()); err != nil {
		log.Fatalf("conclave validation worker stopped with error: %v", err)
	}
}
