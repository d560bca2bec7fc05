package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lc29h-spi/internal/config"
	"lc29h-spi/internal/web"
)

func main() {
	var configPath string
	var probeOnly bool
	var dumpPath string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.BoolVar(&probeOnly, "probe", false, "Power on the module, print its status byte, and exit")
	flag.StringVar(&dumpPath, "dump", "", "Print a recorded bus trace and exit")
	flag.Parse()

	if dumpPath != "" {
		if err := dumpTrace(dumpPath, os.Stdout); err != nil {
			log.Fatalf("trace dump failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(1000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if probeOnly {
		if err := probe(ctx, cfg, os.Stdout); err != nil {
			log.Fatalf("probe failed: %v", err)
		}
		return
	}

	log.Printf("lc29h-spi starting")
	if err := run(ctx, cfg, logs); err != nil {
		log.Fatalf("lc29h-spi: %v", err)
	}
	log.Printf("lc29h-spi stopping")
}
