package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port         int    // TCP port for the text and JSON codecs
	HTTPPort     int    // HTTP port: websocket clients and replication
	DBPath       string
	Advertise    string // HTTP address other members reach this node at
	Peer         string // address of an existing member to join, empty for a fresh primary
	ReadTimeout  int    // seconds
	WriteTimeout int    // seconds

	HeartbeatMS  int  // heartbeat sweep interval
	MaxMissed    int  // consecutive missed probes before a member is dropped
	SyncAccounts bool // replicate account create/delete before acking

	RateBurst     int // per-connection inbound frame burst
	RatePerSecond int
}

func Load() *Config {
	cfg := &Config{
		Port:          3270,
		HTTPPort:      3271,
		DBPath:        "chatd.db",
		ReadTimeout:   120,
		WriteTimeout:  30,
		HeartbeatMS:   1000,
		MaxMissed:     3,
		SyncAccounts:  true,
		RateBurst:     20,
		RatePerSecond: 10,
	}

	if v := os.Getenv("CHATD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}

	if v := os.Getenv("CHATD_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = port
		}
	}

	if v := os.Getenv("CHATD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv("CHATD_ADVERTISE"); v != "" {
		cfg.Advertise = v
	}

	if v := os.Getenv("CHATD_PEER"); v != "" {
		cfg.Peer = v
	}

	if v := os.Getenv("CHATD_READ_TIMEOUT"); v != "" {
		if timeout, err := strconv.Atoi(v); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if v := os.Getenv("CHATD_WRITE_TIMEOUT"); v != "" {
		if timeout, err := strconv.Atoi(v); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if v := os.Getenv("CHATD_HEARTBEAT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.HeartbeatMS = ms
		}
	}

	if v := os.Getenv("CHATD_MAX_MISSED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxMissed = n
		}
	}

	if v := os.Getenv("CHATD_SYNC_ACCOUNTS"); v != "" {
		cfg.SyncAccounts = v != "0" && v != "false"
	}

	if v := os.Getenv("CHATD_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateBurst = n
		}
	}

	if v := os.Getenv("CHATD_RATE_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RatePerSecond = n
		}
	}

	return cfg
}
