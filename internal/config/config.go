package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"ografserver/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. OGRAF_HTTP_PORT
const EnvPrefix = "OGRAF"

// Config is shared by the server and the renderer binaries; each reads the sections it needs.
type Config struct {
	HTTP       *HTTPConfig      `json:"http"`
	WebSocket  *WebSocketConfig `json:"websocket"`
	Storage    *StorageConfig   `json:"storage"`
	Namespaces *NamespaceConfig `json:"namespaces"`
	RPC        *RPCConfig       `json:"rpc"`
	Log        *logging.Config  `json:"log"`
	Renderer   *RendererConfig  `json:"renderer"`
}

type HTTPConfig struct {
	Host          string        `json:"host" split_words:"true"`
	Port          int           `json:"port" split_words:"true"`
	ReadTimeout   time.Duration `json:"read_timeout" split_words:"true"`
	WriteTimeout  time.Duration `json:"write_timeout" split_words:"true"`
	MaxUploadSize int64         `json:"max_upload_size" split_words:"true"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval" split_words:"true"`
	ReadTimeout    time.Duration `json:"read_timeout" split_words:"true"`
	WriteTimeout   time.Duration `json:"write_timeout" split_words:"true"`
	BufferSize     int           `json:"buffer_size" split_words:"true"`
	MaxMessageSize int64         `json:"max_message_size" split_words:"true"`
}

// StorageConfig locates the graphics store of the default namespace and tunes soft delete
type StorageConfig struct {
	GraphicsPath  string        `json:"graphics_path" split_words:"true"`
	RemovalGrace  time.Duration `json:"removal_grace" split_words:"true"`
	SweepInterval time.Duration `json:"sweep_interval" split_words:"true"`
}

// NamespaceConfig enables multi-tenancy when Root is set
type NamespaceConfig struct {
	Root            string        `json:"root" split_words:"true"`
	TTL             time.Duration `json:"ttl" split_words:"true"`
	AccountCacheTTL time.Duration `json:"account_cache_ttl" split_words:"true"`
	TouchDebounce   time.Duration `json:"touch_debounce" split_words:"true"`
	CleanupInterval time.Duration `json:"cleanup_interval" split_words:"true"`
}

// RPCConfig tunes server to renderer calls. CallTimeout 0 waits forever.
type RPCConfig struct {
	CallTimeout      time.Duration `json:"call_timeout" split_words:"true"`
	InfoPollDelay    time.Duration `json:"info_poll_delay" split_words:"true"`
	InfoPollInterval time.Duration `json:"info_poll_interval" split_words:"true"`
	// DebugRateLimit caps renderer debug messages logged per minute, per renderer
	DebugRateLimit int `json:"debug_rate_limit" split_words:"true"`
}

type RendererConfig struct {
	ServerURL     string        `json:"server_url" split_words:"true"`
	Namespace     string        `json:"namespace" split_words:"true"`
	ID            string        `json:"id" split_words:"true"`
	Name          string        `json:"name" split_words:"true"`
	Description   string        `json:"description" split_words:"true"`
	Layers        int           `json:"layers" split_words:"true"`
	Width         int           `json:"width" split_words:"true"`
	Height        int           `json:"height" split_words:"true"`
	FrameInterval time.Duration `json:"frame_interval" split_words:"true"`
	ProbeURL      string        `json:"probe_url" split_words:"true"`
	ProbeInterval time.Duration `json:"probe_interval" split_words:"true"`
	ReconnectMin  time.Duration `json:"reconnect_min" split_words:"true"`
	ReconnectMax  time.Duration `json:"reconnect_max" split_words:"true"`
}

func DefaultConfig() *Config {
	logCfg := logging.DefaultConfig()
	return &Config{
		HTTP: &HTTPConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  90 * time.Second,
			MaxUploadSize: 256 << 20,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 16 << 20,
		},
		Storage: &StorageConfig{
			GraphicsPath:  "./localGraphicsStorage",
			RemovalGrace:  24 * time.Hour,
			SweepInterval: 24 * time.Hour,
		},
		Namespaces: &NamespaceConfig{
			Root:            "",
			TTL:             12 * time.Hour,
			AccountCacheTTL: time.Hour,
			TouchDebounce:   time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		RPC: &RPCConfig{
			CallTimeout:      30 * time.Second,
			InfoPollDelay:    100 * time.Millisecond,
			InfoPollInterval: 30 * time.Second,
			DebugRateLimit:   100,
		},
		Log: &logCfg,
		Renderer: &RendererConfig{
			ServerURL:     "http://localhost:8080",
			Name:          "Headless Renderer",
			Description:   "Go renderer hosting graphics on numbered layers",
			Layers:        5,
			Width:         1920,
			Height:        1080,
			FrameInterval: 20 * time.Millisecond,
			ProbeURL:      "https://www.google.com/favicon.ico",
			ProbeInterval: 60 * time.Second,
			ReconnectMin:  time.Second,
			ReconnectMax:  30 * time.Second,
		},
	}
}

// MultiTenant reports whether accounts and /ns routes are enabled
func (c *Config) MultiTenant() bool {
	return c.Namespaces != nil && c.Namespaces.Root != ""
}

func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.MaxUploadSize <= 0 {
		return fmt.Errorf("HTTP max upload size must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Storage == nil {
		return fmt.Errorf("storage configuration is required")
	}
	if c.Storage.GraphicsPath == "" {
		return fmt.Errorf("graphics path cannot be empty")
	}
	if c.Storage.RemovalGrace < 0 {
		return fmt.Errorf("removal grace cannot be negative")
	}
	if c.Storage.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.Namespaces == nil {
		return fmt.Errorf("namespace configuration is required")
	}
	if c.Namespaces.TTL <= 0 || c.Namespaces.AccountCacheTTL <= 0 || c.Namespaces.CleanupInterval <= 0 {
		return fmt.Errorf("namespace durations must be positive")
	}
	if c.Namespaces.TouchDebounce < 0 {
		return fmt.Errorf("touch debounce cannot be negative")
	}

	if c.RPC == nil {
		return fmt.Errorf("RPC configuration is required")
	}
	if c.RPC.CallTimeout < 0 {
		return fmt.Errorf("RPC call timeout cannot be negative")
	}
	if c.RPC.InfoPollDelay < 0 || c.RPC.InfoPollInterval <= 0 {
		return fmt.Errorf("RPC info poll delay must be non-negative and interval positive")
	}
	if c.RPC.DebugRateLimit < 0 {
		return fmt.Errorf("RPC debug rate limit cannot be negative")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}

	if c.Renderer == nil {
		return fmt.Errorf("renderer configuration is required")
	}
	return c.Renderer.Validate()
}

func (r *RendererConfig) Validate() error {
	u, err := url.Parse(r.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("renderer server url %q is invalid", r.ServerURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("renderer server url scheme %q is not supported", u.Scheme)
	}
	if r.Layers <= 0 {
		return fmt.Errorf("renderer layers must be positive")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("renderer resolution must be positive")
	}
	if r.FrameInterval <= 0 || r.ProbeInterval <= 0 {
		return fmt.Errorf("renderer intervals must be positive")
	}
	if r.ReconnectMin <= 0 || r.ReconnectMax < r.ReconnectMin {
		return fmt.Errorf("renderer reconnect backoff must satisfy 0 < min <= max")
	}
	return nil
}

// LoadFromEnv applies OGRAF_<SECTION>_<FIELD> overrides onto config
func LoadFromEnv(config *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{EnvPrefix + "_HTTP", config.HTTP},
		{EnvPrefix + "_WEBSOCKET", config.WebSocket},
		{EnvPrefix + "_STORAGE", config.Storage},
		{EnvPrefix + "_NAMESPACES", config.Namespaces},
		{EnvPrefix + "_RPC", config.RPC},
		{EnvPrefix + "_LOG", config.Log},
		{EnvPrefix + "_RENDERER", config.Renderer},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return fmt.Errorf("error processing %s environment: %w", s.prefix, err)
		}
	}
	return nil
}

// ConfigFile mirrors Config with durations as strings ("30s", "12h")
type ConfigFile struct {
	HTTP *struct {
		Host          string `yaml:"host"`
		Port          int    `yaml:"port"`
		ReadTimeout   string `yaml:"read_timeout"`
		WriteTimeout  string `yaml:"write_timeout"`
		MaxUploadSize int64  `yaml:"max_upload_size"`
	} `yaml:"http"`
	WebSocket *struct {
		PingInterval   string `yaml:"ping_interval"`
		ReadTimeout    string `yaml:"read_timeout"`
		WriteTimeout   string `yaml:"write_timeout"`
		BufferSize     int    `yaml:"buffer_size"`
		MaxMessageSize int64  `yaml:"max_message_size"`
	} `yaml:"websocket"`
	Storage *struct {
		GraphicsPath  string `yaml:"graphics_path"`
		RemovalGrace  string `yaml:"removal_grace"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"storage"`
	Namespaces *struct {
		Root            string `yaml:"root"`
		TTL             string `yaml:"ttl"`
		AccountCacheTTL string `yaml:"account_cache_ttl"`
		TouchDebounce   string `yaml:"touch_debounce"`
		CleanupInterval string `yaml:"cleanup_interval"`
	} `yaml:"namespaces"`
	RPC *struct {
		CallTimeout      string `yaml:"call_timeout"`
		InfoPollDelay    string `yaml:"info_poll_delay"`
		InfoPollInterval string `yaml:"info_poll_interval"`
		DebugRateLimit   int    `yaml:"debug_rate_limit"`
	} `yaml:"rpc"`
	Log      *logging.Config `yaml:"log"`
	Renderer *struct {
		ServerURL     string `yaml:"server_url"`
		Namespace     string `yaml:"namespace"`
		ID            string `yaml:"id"`
		Name          string `yaml:"name"`
		Description   string `yaml:"description"`
		Layers        int    `yaml:"layers"`
		Width         int    `yaml:"width"`
		Height        int    `yaml:"height"`
		FrameInterval string `yaml:"frame_interval"`
		ProbeURL      string `yaml:"probe_url"`
		ProbeInterval string `yaml:"probe_interval"`
		ReconnectMin  string `yaml:"reconnect_min"`
		ReconnectMax  string `yaml:"reconnect_max"`
	} `yaml:"renderer"`
}

// LoadFromFile reads a YAML (or JSON) file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	d := durations{}
	if f := file.HTTP; f != nil {
		setString(&config.HTTP.Host, f.Host)
		setInt(&config.HTTP.Port, f.Port)
		setInt64(&config.HTTP.MaxUploadSize, f.MaxUploadSize)
		d.set(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		d.set(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
	}
	if f := file.WebSocket; f != nil {
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		setInt64(&config.WebSocket.MaxMessageSize, f.MaxMessageSize)
		d.set(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		d.set(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		d.set(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
	}
	if f := file.Storage; f != nil {
		setString(&config.Storage.GraphicsPath, f.GraphicsPath)
		d.set(&config.Storage.RemovalGrace, "storage.removal_grace", f.RemovalGrace)
		d.set(&config.Storage.SweepInterval, "storage.sweep_interval", f.SweepInterval)
	}
	if f := file.Namespaces; f != nil {
		setString(&config.Namespaces.Root, f.Root)
		d.set(&config.Namespaces.TTL, "namespaces.ttl", f.TTL)
		d.set(&config.Namespaces.AccountCacheTTL, "namespaces.account_cache_ttl", f.AccountCacheTTL)
		d.set(&config.Namespaces.TouchDebounce, "namespaces.touch_debounce", f.TouchDebounce)
		d.set(&config.Namespaces.CleanupInterval, "namespaces.cleanup_interval", f.CleanupInterval)
	}
	if f := file.RPC; f != nil {
		d.set(&config.RPC.CallTimeout, "rpc.call_timeout", f.CallTimeout)
		d.set(&config.RPC.InfoPollDelay, "rpc.info_poll_delay", f.InfoPollDelay)
		d.set(&config.RPC.InfoPollInterval, "rpc.info_poll_interval", f.InfoPollInterval)
		setInt(&config.RPC.DebugRateLimit, f.DebugRateLimit)
	}
	if f := file.Log; f != nil {
		setString(&config.Log.Level, f.Level)
		setString(&config.Log.Format, f.Format)
		setString(&config.Log.Output, f.Output)
		setString(&config.Log.FilePath, f.FilePath)
		setString(&config.Log.TimeFormat, f.TimeFormat)
	}
	if f := file.Renderer; f != nil {
		r := config.Renderer
		setString(&r.ServerURL, f.ServerURL)
		setString(&r.Namespace, f.Namespace)
		setString(&r.ID, f.ID)
		setString(&r.Name, f.Name)
		setString(&r.Description, f.Description)
		setString(&r.ProbeURL, f.ProbeURL)
		setInt(&r.Layers, f.Layers)
		setInt(&r.Width, f.Width)
		setInt(&r.Height, f.Height)
		d.set(&r.FrameInterval, "renderer.frame_interval", f.FrameInterval)
		d.set(&r.ProbeInterval, "renderer.probe_interval", f.ProbeInterval)
		d.set(&r.ReconnectMin, "renderer.reconnect_min", f.ReconnectMin)
		d.set(&r.ReconnectMax, "renderer.reconnect_max", f.ReconnectMax)
	}

	if d.err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, d.err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves defaults, then the file (if any), then the environment
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// durations collects the first parse error so callers can set many fields in a row
type durations struct {
	err error
}

func (d *durations) set(dst *time.Duration, field, value string) {
	if value == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}

func setInt64(dst *int64, value int64) {
	if value > 0 {
		*dst = value
	}
}
