package database

import "time"

type PostgresConfig struct {
	MaxOpenConns    int32
	MaxConnLifetime time.Duration
	// Connection holds libpq style key/value pairs, e.g. host, port, user, password, dbname and sslmode.
	Connection map[string]string
	// ConnectAttempts bounds how many times startup tries to reach the database before giving up.
	ConnectAttempts uint
	ConnectDelay    time.Duration
}
