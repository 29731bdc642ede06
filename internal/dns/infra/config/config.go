package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds the private DNS tunables parsed from environment variables.
// Values are read when a configuration is applied; probes already in flight
// keep the values they started with.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// ProbeTimeout bounds one DoT or DoH validation probe.
	ProbeTimeout time.Duration `koanf:"probe_timeout" validate:"required,gt=0"`

	// QueryTimeout bounds one DoH query, queueing included. On expiry the
	// query is failed back for fallback rather than waiting on the wire.
	QueryTimeout time.Duration `koanf:"query_timeout" validate:"required,gt=0"`

	// IdleTimeout is how long a DoH connection may sit without stream
	// activity before it is torn down.
	IdleTimeout time.Duration `koanf:"idle_timeout" validate:"required,gt=0"`

	// SessionResumption enables TLS session tickets across DoH reconnects.
	SessionResumption bool `koanf:"session_resumption"`

	// EarlyData allows sending the first query as 0-RTT data on a resumed
	// handshake. Only meaningful when SessionResumption is on.
	EarlyData bool `koanf:"early_data"`

	// UidFailFast rejects queries from network-blocked UIDs before any
	// transport is attempted.
	UidFailFast bool `koanf:"uid_fail_fast"`

	// DispatchQueueSize, ServerQueueSize, and ConnQueueSize are the layered
	// dispatcher capacities; each must not exceed the one before it.
	DispatchQueueSize int `koanf:"dispatch_queue_size" validate:"required,gte=1"`
	ServerQueueSize   int `koanf:"server_queue_size" validate:"required,gte=1,ltefield=DispatchQueueSize"`
	ConnQueueSize     int `koanf:"conn_queue_size" validate:"required,gte=1,ltefield=ServerQueueSize"`

	// MaxStreams caps concurrent bidirectional query streams per connection.
	MaxStreams int `koanf:"max_streams" validate:"required,gte=1"`

	// MaxSendBytes caps outstanding send data per connection.
	MaxSendBytes int64 `koanf:"max_send_bytes" validate:"required,gte=1"`

	// TicketCacheSize bounds how many servers keep stored TLS session state.
	TicketCacheSize int `koanf:"ticket_cache_size" validate:"required,gte=1"`

	// CleartextServers, DotServers, and DohServers seed the boot network's
	// server set, in ip:port format. Lists are space or comma separated in
	// the environment.
	CleartextServers []string `koanf:"cleartext_servers" validate:"omitempty,dive,ip_port"`
	DotServers       []string `koanf:"dot_servers" validate:"omitempty,dive,ip_port"`
	DohServers       []string `koanf:"doh_servers" validate:"omitempty,dive,ip_port"`

	// Provider is the expected private DNS provider hostname. Empty selects
	// opportunistic mode.
	Provider string `koanf:"provider" validate:"omitempty,hostname_rfc1123"`
}

// validIPPort checks an ip:port literal, IPv6 bracketed.
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// envLoader loads environment variables with the prefix "PVTDNS_",
// lowercasing keys and stripping the prefix. Mockable in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "PVTDNS_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "PVTDNS_"))
			value = strings.TrimSpace(value)

			// Server lists arrive space or comma separated.
			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	// Defaults mirror the production timers: a short probe budget, a
	// per-query budget under typical OS resolver timeouts, and a long idle
	// window so warm connections survive bursty traffic.
	k.Load(structs.Provider(AppConfig{
		Env:               "prod",
		LogLevel:          "info",
		ProbeTimeout:      3 * time.Second,
		QueryTimeout:      10 * time.Second,
		IdleTimeout:       55 * time.Second,
		SessionResumption: true,
		EarlyData:         false,
		UidFailFast:       true,
		DispatchQueueSize: 64,
		ServerQueueSize:   50,
		ConnQueueSize:     8,
		MaxStreams:        100,
		MaxSendBytes:      1 << 20,
		TicketCacheSize:   32,
	}, "koanf"), nil)

	err := envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("ip_port", validIPPort); err != nil {
		return nil, fmt.Errorf("registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
