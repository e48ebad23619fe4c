// Command aircast is a single-process HTTP streaming relay: it ingests
// live streams over HTTP, UDP or multicast and fans them out to any number
// of HTTP consumers. SIGHUP reloads the configuration, SIGUSR1 stops
// accepting and drains the remaining clients.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to the JSON configuration file")
	addr := flag.String("addr", ":8000", "HTTP listen address (overridden by \"listen\" in the config)")
	flag.Parse()

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("aircast: %v", err)
		}
		cfg = loaded
	}

	srv, err := server.New(*addr, cfg)
	if err != nil {
		log.Fatalf("aircast: %v", err)
	}
	if err := srv.Listen(); err != nil {
		log.Fatalf("aircast: %v", err)
	}
	if err := srv.ConfigureRelays(); err != nil {
		log.Fatalf("aircast: %v", err)
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1)

	reload := func() (*config.Config, error) {
		if *configPath == "" {
			return cfg, nil
		}
		return config.Load(*configPath)
	}

	if err := srv.Serve(signals, reload); err != nil {
		log.Fatalf("aircast: %v", err)
	}
}
