// Package config loads the relay's TOML configuration and merges environment and flag overrides.
package config

import "time"

// Config holds all server configuration
type Config struct {
	Server      ServerConfig      `toml:"server"`
	HTTP        HTTPConfig        `toml:"http"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
	Room        RoomConfig        `toml:"room"`
	Transfer    TransferConfig    `toml:"transfer"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Files       FilesConfig       `toml:"files"`
	Logging     LoggingConfig     `toml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port           int           `toml:"port"`
	PortRange      int           `toml:"portRange"`
	Timeouts       TimeoutConfig `toml:"timeouts"`
	MaxHeaderBytes int           `toml:"maxHeaderBytes"`
}

// TimeoutConfig holds timeout settings
type TimeoutConfig struct {
	Read       Duration `toml:"read"`
	Write      Duration `toml:"write"`
	Idle       Duration `toml:"idle"`
	ReadHeader Duration `toml:"readHeader"`
	Shutdown   Duration `toml:"shutdown"`
}

// HTTPConfig holds HTTP-specific settings
type HTTPConfig struct {
	CacheControl string         `toml:"cacheControl"`
	Security     SecurityConfig `toml:"security"`
	CORS         CORSConfig     `toml:"cors"`
}

// SecurityConfig holds security header settings
type SecurityConfig struct {
	XContentTypeOptions   string `toml:"xContentTypeOptions"`
	XFrameOptions         string `toml:"xFrameOptions"`
	ContentSecurityPolicy string `toml:"contentSecurityPolicy"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled      bool     `toml:"enabled"`
	AllowOrigin  string   `toml:"allowOrigin"`
	AllowMethods []string `toml:"allowMethods"`
	AllowHeaders []string `toml:"allowHeaders"`
}

// WebSocketConfig holds WebSocket settings
type WebSocketConfig struct {
	CheckOrigin       bool     `toml:"checkOrigin"`
	AllowedOrigins    []string `toml:"allowedOrigins"`
	ReadBufferSize    int      `toml:"readBufferSize"`
	WriteBufferSize   int      `toml:"writeBufferSize"`
	MaxMessageBytes   int64    `toml:"maxMessageBytes"`
	SendQueueSize     int      `toml:"sendQueueSize"`
	MessagesPerSecond float64  `toml:"messagesPerSecond"` // 0 disables inbound rate limiting
	MessageBurst      int      `toml:"messageBurst"`
}

// RoomConfig holds room lifecycle settings
type RoomConfig struct {
	GracePeriod  Duration `toml:"gracePeriod"`
	CodeAttempts int      `toml:"codeAttempts"`
}

// TransferConfig holds chunking settings
type TransferConfig struct {
	ChunkSize        int64    `toml:"chunkSize"`
	CompletedFileTTL Duration `toml:"completedFileTTL"`
	MaxFileSize      int64    `toml:"maxFileSize"` // 0 means unlimited
}

// MaintenanceConfig holds sweep settings
type MaintenanceConfig struct {
	ChunkTTL           Duration `toml:"chunkTTL"`
	ChunkSweepInterval Duration `toml:"chunkSweepInterval"`
	RoomSweepInterval  Duration `toml:"roomSweepInterval"`
	EmptyRoomMaxAge    Duration `toml:"emptyRoomMaxAge"`
}

// FilesConfig holds static file serving settings
type FilesConfig struct {
	Root      string `toml:"root"`
	IndexFile string `toml:"indexFile"`
}

// LoggingConfig holds logrus settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
