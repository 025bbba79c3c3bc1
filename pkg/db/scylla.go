package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

type Session struct {
	*gocql.Session
}

func newCluster(hosts []string, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster
}

func NewSession(hosts []string, keyspace string, log *slog.Logger) (*Session, error) {
	session, err := newCluster(hosts, keyspace).CreateSession()
	if err != nil {
		return nil, err
	}

	log.Info("Connected to ScyllaDB cluster", "hosts", hosts, "keyspace", keyspace)
	return &Session{Session: session}, nil
}

// Schema statements for the message log. Messages are clustered by id in
// descending order so the tail of a room is the first row of its partition.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		room_id bigint,
		id bigint,
		user_id bigint,
		username text,
		content text,
		timestamp timestamp,
		PRIMARY KEY (room_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
}

// EnsureSchema creates the keyspace and tables when missing. Production
// clusters are expected to be migrated ahead of time, this is for local
// setups and the migrate tool.
func EnsureSchema(hosts []string, keyspace string, replication int, log *slog.Logger) error {
	sys, err := newCluster(hosts, "system").CreateSession()
	if err != nil {
		return fmt.Errorf("connecting to system keyspace: %w", err)
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`,
		keyspace, replication)
	err = sys.Query(stmt).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("creating keyspace %s: %w", keyspace, err)
	}

	session, err := NewSession(hosts, keyspace, log)
	if err != nil {
		return err
	}
	defer session.Close()
	for _, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	log.Info("Schema ready", "keyspace", keyspace)
	return nil
}

// DropSchema removes the message tables. Used by the migrate tool to reset a
// local cluster.
func DropSchema(session *Session) error {
	return session.Query("DROP TABLE IF EXISTS messages").Exec()
}
