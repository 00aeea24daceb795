// Command example simulates editor hosts feeding a pipeline, for trying the
// collector locally.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nicktill/tinypal/pkg/config"
	"github.com/nicktill/tinypal/pkg/sdk"
	"github.com/nicktill/tinypal/pkg/sdk/batch"
)

func main() {
	flags := pflag.NewFlagSet("example", pflag.ExitOnError)
	config.ForwarderFlags(flags)
	events := flags.Int("events", 100, "events per producer (0 runs until interrupted)")
	producers := flags.Int("producers", 4, "concurrent simulated editors")
	pace := flags.Duration("pace", 50*time.Millisecond, "delay between events of one producer")
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadForwarder(flags)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := sdk.New(sdk.Config{
		Addr:            cfg.Addr,
		FlushEvery:      cfg.FlushEvery,
		DialTimeout:     cfg.DialTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Group:           cfg.Group,
		HostVersion:     "tinypal example 1.0",
		OnFlush: func(res batch.Result) {
			if res.Status != batch.Idle {
				log.Printf("📤 Flush: %s (%d drained, %d sent)", res.Status, res.Drained, res.Sent)
			}
		},
	})

	log.Printf("🚀 Starting %d simulated editors against %s (session %s)", *producers, cfg.Addr, p.SessionID())
	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < *producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			simulateEditor(ctx, p, id, *events, *pace)
		}(i)
	}
	wg.Wait()

	log.Printf("🛑 Producers done, %d events pending; flushing...", p.Pending())
	if err := p.Stop(); err != nil {
		log.Printf("⚠️  Final flush failed: %v", err)
	}
	log.Println("👋 Example exited")
}
