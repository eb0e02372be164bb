// Package config provides functionality for managing configuration options
// for the store server using command-line flags and environment variables.
package config

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
)

// Options holds the configuration values for the server.
type Options struct {
	// Addr defines the store server's TCP listening address (ip:port).
	Addr string

	// OpsAddr defines the HTTP health/status listening address; empty
	// disables the ops listener.
	OpsAddr string

	// DatabaseDSN holds the PostgreSQL connection string; empty selects
	// the in-memory backend.
	DatabaseDSN string

	// RecordTypes is the comma-separated list of record type names the
	// server accepts.
	RecordTypes string

	// JournalTail is the number of journal entries kept in memory.
	JournalTail int

	// LockMaxAgeMinutes releases locks older than this; 0 disables the
	// sweeper.
	LockMaxAgeMinutes int

	// CredentialTTLSeconds bounds the server's credential cache.
	CredentialTTLSeconds int

	// TimeoutSeconds bounds the read and write of one TCP exchange.
	TimeoutSeconds int

	// Config is the path to the Config file.
	Config string
}

// options holds the current configuration values.
var options = &Options{}

// init initializes command-line flags and sets default values.
func init() {
	flag.StringVar(&options.Addr, "a", "localhost:9090", "run on ip:port server")
	flag.StringVar(&options.OpsAddr, "ops", "", "ops http address (empty: disabled)")
	flag.StringVar(&options.DatabaseDSN, "d", "", "db address")
	flag.StringVar(&options.RecordTypes, "types", "Invoice,Customer,Item,Account,Transaction", "comma-separated record types")
	flag.IntVar(&options.JournalTail, "tail", 100, "journal entries kept in memory")
	flag.IntVar(&options.LockMaxAgeMinutes, "lock-max-age", 0, "release locks older than this many minutes (0: never)")
	flag.IntVar(&options.CredentialTTLSeconds, "cred-ttl", 300, "credential cache lifetime in seconds")
	flag.IntVar(&options.TimeoutSeconds, "timeout", 30, "per-request read/write timeout in seconds")
	flag.StringVar(&options.Config, "config", "config.json", "path to config file")
	flag.StringVar(&options.Config, "c", "config.json", "path to config file (shorthand)")
}

// Parse parses the command-line flags and environment variables to set
// configuration values. It returns a pointer to the Options struct containing
// the parsed configuration values.
func Parse() *Options {
	flag.Parse()

	// Override flags with environment variables if set
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			data, err := os.ReadFile(options.Config)
			if err != nil {
				log.Fatalf("error while reading config file: %v", err)
			}
			if err := json.Unmarshal(data, options); err != nil {
				log.Fatalf("error while parsing config file: %v", err)
			}
		}
	}

	if serverAddress := os.Getenv("SERVER_ADDRESS"); serverAddress != "" {
		options.Addr = serverAddress
	}
	if opsAddress := os.Getenv("OPS_ADDRESS"); opsAddress != "" {
		options.OpsAddr = opsAddress
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		options.DatabaseDSN = dsn
	}
	if types := os.Getenv("RECORD_TYPES"); types != "" {
		options.RecordTypes = types
	}

	return options
}

// TypeList returns the configured record types as a slice.
func (o *Options) TypeList() []string {
	var out []string
	for _, t := range strings.Split(o.RecordTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
