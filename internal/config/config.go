package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Bridge is the immutable configuration of a single bridge, built once at
// startup and owned exclusively by its bridge loop
type Bridge struct {
	Name     string
	RabbitMQ RabbitMQ
	Postgres Postgres
}

type RabbitMQ struct {
	Host         string
	Port         int
	VHost        string
	Exchange     string
	ExchangeType string
	Username     string
	Password     string
	Queue        string // optional
}

type Postgres struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Channel  string
}

// ValidationError is a fatal configuration error: it aborts the whole
// process before any bridge starts
type ValidationError struct {
	File    string
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("config %s: missing required options: %s", e.File, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("config %s: %s", e.File, e.Reason)
}

var requiredOptions = []struct {
	section string
	key     string
}{
	{"bridge", "name"},
	{"rabbitmq", "host"},
	{"rabbitmq", "port"},
	{"rabbitmq", "vhost"},
	{"rabbitmq", "exchange"},
	{"rabbitmq", "exchange_type"},
	{"rabbitmq", "username"},
	{"rabbitmq", "password"},
	{"postgres", "host"},
	{"postgres", "port"},
	{"postgres", "database"},
	{"postgres", "username"},
	{"postgres", "password"},
	{"postgres", "channel"},
}

// LoadBridgeFile parses one INI bridge description and validates that every
// required option is present and non-empty
func LoadBridgeFile(path string) (Bridge, error) {
	f, err := ini.Load(path)
	if err != nil {
		return Bridge{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	var missing []string
	for _, opt := range requiredOptions {
		if strings.TrimSpace(f.Section(opt.section).Key(opt.key).String()) == "" {
			missing = append(missing, opt.section+":"+opt.key)
		}
	}
	if len(missing) > 0 {
		return Bridge{}, &ValidationError{File: path, Missing: missing}
	}

	mq := f.Section("rabbitmq")
	pg := f.Section("postgres")

	mqPort, err := mq.Key("port").Int()
	if err != nil {
		return Bridge{}, &ValidationError{File: path, Reason: fmt.Sprintf("rabbitmq:port is not an integer: %q", mq.Key("port").String())}
	}
	pgPort, err := pg.Key("port").Int()
	if err != nil {
		return Bridge{}, &ValidationError{File: path, Reason: fmt.Sprintf("postgres:port is not an integer: %q", pg.Key("port").String())}
	}

	return Bridge{
		Name: f.Section("bridge").Key("name").String(),
		RabbitMQ: RabbitMQ{
			Host:         mq.Key("host").String(),
			Port:         mqPort,
			VHost:        mq.Key("vhost").String(),
			Exchange:     mq.Key("exchange").String(),
			ExchangeType: mq.Key("exchange_type").String(),
			Username:     mq.Key("username").String(),
			Password:     mq.Key("password").String(),
			Queue:        mq.Key("queue").String(),
		},
		Postgres: Postgres{
			Host:     pg.Key("host").String(),
			Port:     pgPort,
			Database: pg.Key("database").String(),
			Username: pg.Key("username").String(),
			Password: pg.Key("password").String(),
			Channel:  pg.Key("channel").String(),
		},
	}, nil
}

// LoadBridges expands the given file paths/globs and parses every match.
// Duplicate bridge names are rejected instead of silently overwriting the
// earlier definition
func LoadBridges(patterns []string) ([]Bridge, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad config file pattern %q: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files matched %s", strings.Join(patterns, ", "))
	}

	seen := make(map[string]string, len(files))
	bridges := make([]Bridge, 0, len(files))
	for _, file := range files {
		b, err := LoadBridgeFile(file)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[b.Name]; ok {
			return nil, &ValidationError{
				File:   file,
				Reason: fmt.Sprintf("bridge name %q already defined in %s", b.Name, prev),
			}
		}
		seen[b.Name] = file
		bridges = append(bridges, b)
	}
	return bridges, nil
}

// Settings holds process-level options read from the environment
type Settings struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	MetricsAddr string
}

func LoadSettings() *Settings {
	_ = godotenv.Load()

	return &Settings{
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		LogFormat:   getEnv("LOG_FORMAT", "TEXT"),
		LogFile:     getEnv("LOG_FILE", "pgbridge.log"),
		MetricsAddr: getEnv("METRICS_ADDR", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
