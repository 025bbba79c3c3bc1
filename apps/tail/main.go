package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/mahaj/roomcast/pkg/relay"
	"github.com/mama165/sdk-go/logs"
)

// Config defines the tail tool's environment variables.
type Config struct {
	KafkaBrokers string `env:"KAFKA_BROKERS,default=localhost:19092"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=chat-events"`
	LogLevel     string `env:"LOG_LEVEL,default=INFO"`
}

// tail prints the frames exported by every gateway node, one JSON envelope
// per line.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	topic := flag.String("topic", "", "only print envelopes for this broker topic, e.g. room:1 or presence")
	group := flag.String("group", "roomcast-tail", "consumer group id")
	flag.Parse()

	log := logs.GetLoggerFromString(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := relay.NewReader(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, *group, log)
	defer reader.Close()

	out := json.NewEncoder(os.Stdout)
	log.Info("Tailing relay topic", "topic", cfg.KafkaTopic)
	return reader.Consume(ctx, func(e relay.Envelope) {
		if *topic != "" && e.Topic != *topic {
			return
		}
		if err := out.Encode(e); err != nil {
			log.Error("Failed to print envelope", "error", err)
		}
	})
}
