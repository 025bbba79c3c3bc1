package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/mahaj/roomcast/pkg/db"
	"github.com/mama165/sdk-go/logs"
)

// Config defines the migrate tool's environment variables.
type Config struct {
	ScyllaHosts string `env:"SCYLLA_HOSTS,default=localhost:9042"`
	Keyspace    string `env:"SCYLLA_KEYSPACE,default=chat"`
	Replication int    `env:"SCYLLA_REPLICATION,default=1"`
	LogLevel    string `env:"LOG_LEVEL,default=INFO"`
}

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
	drop := flag.Bool("drop", false, "drop the message tables before creating them")
	flag.Parse()

	log := logs.GetLoggerFromString(cfg.LogLevel)
	hosts := strings.Split(cfg.ScyllaHosts, ",")

	if *drop {
		session, err := db.NewSession(hosts, cfg.Keyspace, log)
		if err != nil {
			return fmt.Errorf("connecting to ScyllaDB: %w", err)
		}
		log.Info("Dropping table messages...")
		err = db.DropSchema(session)
		session.Close()
		if err != nil {
			return fmt.Errorf("dropping tables: %w", err)
		}
	}

	return db.EnsureSchema(hosts, cfg.Keyspace, cfg.Replication, log)
}
