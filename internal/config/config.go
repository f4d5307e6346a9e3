package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "STOMP"

type Config struct {
	AppName      string `json:"app_name" envconfig:"APP_NAME"`
	DebugMode    bool   `json:"debug_mode" envconfig:"DEBUG_MODE"`
	LogPath      string `json:"log_path" envconfig:"LOG_PATH"`
	LogRetention string `json:"log_retention" envconfig:"LOG_RETENTION"`
	Server       struct {
		Host              string `json:"host" envconfig:"HOST"`
		TCPEnabled        bool   `json:"tcp_enabled" envconfig:"TCP_ENABLED"`
		TCPPort           int    `json:"tcp_port" envconfig:"TCP_PORT"`
		TLSEnabled        bool   `json:"tls_enabled" envconfig:"TLS_ENABLED"`
		TLSPort           int    `json:"tls_port" envconfig:"TLS_PORT"`
		CertFile          string `json:"cert_file" envconfig:"CERT_FILE"`
		KeyFile           string `json:"key_file" envconfig:"KEY_FILE"`
		ClientCAFile      string `json:"client_ca_file" envconfig:"CLIENT_CA_FILE"`
		RequireClientAuth bool   `json:"require_client_auth" envconfig:"REQUIRE_CLIENT_AUTH"`
		WebSocketEnabled  bool   `json:"websocket_enabled" envconfig:"WEBSOCKET_ENABLED"`
		WebSocketPort     int    `json:"websocket_port" envconfig:"WEBSOCKET_PORT"`
		WebSocketPath     string `json:"websocket_path" envconfig:"WEBSOCKET_PATH"`
		MaxConnections    int    `json:"max_connections" envconfig:"MAX_CONNECTIONS"`
		ReadBufferSize    int    `json:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
		WriteQueueDepth   int    `json:"write_queue_depth" envconfig:"WRITE_QUEUE_DEPTH"`
		FlushTimeout      string `json:"flush_timeout" envconfig:"FLUSH_TIMEOUT"`
		ConnectTimeout    string `json:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	} `json:"server" envconfig:"SERVER"`
	Frame struct {
		MinCommandLength int `json:"min_command_length" envconfig:"MIN_COMMAND_LENGTH"`
		MaxCommandLength int `json:"max_command_length" envconfig:"MAX_COMMAND_LENGTH"`
		MaxHeaders       int `json:"max_headers" envconfig:"MAX_HEADERS"`
		MaxHeaderLength  int `json:"max_header_length" envconfig:"MAX_HEADER_LENGTH"`
		MaxBodySize      int `json:"max_body_size" envconfig:"MAX_BODY_SIZE"`
	} `json:"frame" envconfig:"FRAME"`
	Session struct {
		QuiesceTimeout string `json:"quiesce_timeout" envconfig:"QUIESCE_TIMEOUT"`
		MaxAckFailures int    `json:"max_ack_failures" envconfig:"MAX_ACK_FAILURES"`
	} `json:"session" envconfig:"SESSION"`
	Provider struct {
		Users           map[string]string `json:"users" envconfig:"USERS"`
		DefaultLogin    string            `json:"default_login" envconfig:"DEFAULT_LOGIN"`
		DefaultPasscode string            `json:"default_passcode" envconfig:"DEFAULT_PASSCODE"`
	} `json:"provider" envconfig:"PROVIDER"`
	Database struct {
		Enabled            bool   `json:"enabled" envconfig:"ENABLED"`
		Host               string `json:"host" envconfig:"HOST"`
		Port               uint64 `json:"port" envconfig:"PORT"`
		Username           string `json:"username" envconfig:"USERNAME"`
		Password           string `json:"password" envconfig:"PASSWORD"`
		Database           string `json:"database" envconfig:"DATABASE"`
		UseTLS             bool   `json:"use_tls" envconfig:"USE_TLS"`
		ConnectTimeout     string `json:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
		SocketTimeout      string `json:"socket_timeout" envconfig:"SOCKET_TIMEOUT"`
		ConnectIdleTimeout string `json:"connect_idle_timeout" envconfig:"CONNECT_IDLE_TIMEOUT"`
		OperationTimeout   string `json:"operation_timeout" envconfig:"OPERATION_TIMEOUT"`
		Heartbeat          string `json:"heartbeat" envconfig:"HEARTBEAT"`
		MinPoolSize        uint64 `json:"min_pool_size" envconfig:"MIN_POOL_SIZE"`
		MaxPoolSize        uint64 `json:"max_pool_size" envconfig:"MAX_POOL_SIZE"`
		CacheSize          int    `json:"cache_size" envconfig:"CACHE_SIZE"`
		CacheTTL           string `json:"cache_ttl" envconfig:"CACHE_TTL"`
	} `json:"database" envconfig:"DATABASE"`
	Metrics struct {
		Enabled bool   `json:"enabled" envconfig:"ENABLED"`
		Port    int    `json:"port" envconfig:"PORT"`
		Path    string `json:"path" envconfig:"PATH"`
	} `json:"metrics" envconfig:"METRICS"`
}

var config = DefaultConfig()
var initialized = false

func DefaultConfig() Config {
	var c Config
	c.AppName = "stomp-bridge"
	c.LogPath = "logs"
	c.LogRetention = "30d"

	c.Server.TCPEnabled = true
	c.Server.TCPPort = 7672
	c.Server.TLSPort = 7673
	c.Server.WebSocketPort = 7670
	c.Server.WebSocketPath = "/stomp"
	c.Server.MaxConnections = 10000
	c.Server.ReadBufferSize = 8192
	c.Server.WriteQueueDepth = 1024
	c.Server.FlushTimeout = "5s"
	c.Server.ConnectTimeout = "60s"

	c.Frame.MinCommandLength = 3
	c.Frame.MaxCommandLength = 1024
	c.Frame.MaxHeaders = 1000
	c.Frame.MaxHeaderLength = 10 * 1024
	c.Frame.MaxBodySize = 16 * 1024 * 1024

	c.Session.QuiesceTimeout = "60s"
	c.Session.MaxAckFailures = 3

	c.Provider.Users = map[string]string{}
	c.Provider.DefaultLogin = "guest"
	c.Provider.DefaultPasscode = "guest"

	c.Database.Host = "localhost"
	c.Database.Port = 27017
	c.Database.Database = "stomp_bridge"
	c.Database.ConnectTimeout = "10s"
	c.Database.SocketTimeout = "30s"
	c.Database.ConnectIdleTimeout = "5m"
	c.Database.OperationTimeout = "5s"
	c.Database.Heartbeat = "10s"
	c.Database.MinPoolSize = 1
	c.Database.MaxPoolSize = 20
	c.Database.CacheSize = 256
	c.Database.CacheTTL = "1h"

	c.Metrics.Port = 9102
	c.Metrics.Path = "/metrics"
	return c
}

// Path returns the configuration file location, config.json unless
// STOMP_CONFIG_FILE says otherwise.
func Path() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG_FILE"); p != "" {
		return p
	}
	return "config.json"
}

func ReadConfig() (Config, error) {
	return ReadConfigFrom(Path())
}

// ReadConfigFrom loads the JSON file and then applies STOMP_* environment
// overrides. A missing file is created with defaults.
func ReadConfigFrom(path string) (Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		writer, createErr := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if createErr == nil {
			data, _ := json.MarshalIndent(DefaultConfig(), "", "\t")
			_, _ = writer.Write(data)
			_ = writer.Close()
		}
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	loaded := DefaultConfig()
	if err = json.Unmarshal(bytes, &loaded); err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	if err = envconfig.Process(EnvPrefix, &loaded); err != nil {
		return config, fmt.Errorf("invalid environment override: %w", err)
	}

	if err = loaded.Validate(); err != nil {
		return config, err
	}

	config = loaded
	initialized = true
	return config, nil
}

func (c *Config) Validate() error {
	if !c.Server.TCPEnabled && !c.Server.TLSEnabled && !c.Server.WebSocketEnabled {
		return errors.New("no listener enabled, enable at least one of tcp, tls or websocket")
	}
	if c.Server.TLSEnabled && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return errors.New("tls listener requires cert_file and key_file")
	}
	if c.Frame.MaxHeaders <= 0 || c.Frame.MaxHeaderLength <= 0 || c.Frame.MaxCommandLength <= 0 || c.Frame.MaxBodySize <= 0 {
		return errors.New("frame limits must be positive")
	}
	if c.Session.MaxAckFailures <= 0 {
		return errors.New("session.max_ack_failures must be positive")
	}
	return nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}
