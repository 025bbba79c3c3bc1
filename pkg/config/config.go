package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Config defines the gateway's environment variables.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:8080" validate:"required"`
	LogLevel   string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JWTSecret  string `env:"JWT_SECRET,required=true" validate:"min=16"`

	StoreBackend   string `env:"STORE_BACKEND,default=badger" validate:"oneof=badger scylla"`
	BadgerPath     string `env:"BADGER_PATH,default=data/messages" validate:"required_if=StoreBackend badger"`
	ScyllaHosts    string `env:"SCYLLA_HOSTS,default=localhost:9042" validate:"required_if=StoreBackend scylla"`
	ScyllaKeyspace string `env:"SCYLLA_KEYSPACE,default=chat" validate:"required_if=StoreBackend scylla"`

	Directory   string `env:"DIRECTORY,default=static" validate:"oneof=static redis"`
	StaticRooms string `env:"STATIC_ROOMS,default=1:general;2:random"`
	RedisAddr   string `env:"REDIS_ADDR,default=localhost:6379" validate:"required_if=Directory redis"`

	PresenceMirror bool `env:"PRESENCE_MIRROR,default=false"`

	KafkaEnabled bool   `env:"KAFKA_ENABLED,default=false"`
	KafkaBrokers string `env:"KAFKA_BROKERS,default=localhost:19092" validate:"required_if=KafkaEnabled true"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=chat-events" validate:"required_if=KafkaEnabled true"`

	SendBuffer    int           `env:"SEND_BUFFER,default=256" validate:"min=1"`
	MaxBodyLength int           `env:"MAX_BODY_LENGTH,default=4096" validate:"min=1"`
	MaxFrameSize  int           `env:"MAX_FRAME_SIZE,default=65536" validate:"gtfield=MaxBodyLength"`
	HistoryLimit  int           `env:"HISTORY_LIMIT,default=50" validate:"min=1,max=200"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT,default=5s" validate:"min=1ms"`
	NodeID        int64         `env:"NODE_ID,default=1" validate:"min=1,max=1023"`
	RoomPolicy    string        `env:"ROOM_POLICY,default=swap" validate:"oneof=swap reject"`
}

// Load reads an optional .env file, then the environment, and validates the
// result. Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Lists are comma separated in the environment. Tag defaults cannot contain
// commas, so they hold a single entry.

func (c Config) ScyllaHostList() []string { return splitList(c.ScyllaHosts) }

func (c Config) KafkaBrokerList() []string { return splitList(c.KafkaBrokers) }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
