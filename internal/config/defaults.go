package config

import "time"

// DefaultPort is the listening port when neither config, PORT nor --port set one.
const DefaultPort = 3000

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      DefaultPort,
			PortRange: 1,
			Timeouts: TimeoutConfig{
				Read:       Duration{60 * time.Second},
				Write:      Duration{60 * time.Second},
				Idle:       Duration{120 * time.Second},
				ReadHeader: Duration{5 * time.Second},
				Shutdown:   Duration{10 * time.Second},
			},
			MaxHeaderBytes: 1048576, // 1 MB
		},
		HTTP: HTTPConfig{
			CacheControl: "no-cache, no-store, must-revalidate",
			Security: SecurityConfig{
				XContentTypeOptions:   "nosniff",
				XFrameOptions:         "DENY",
				ContentSecurityPolicy: "",
			},
			CORS: CORSConfig{
				Enabled:      false,
				AllowOrigin:  "",
				AllowMethods: []string{},
				AllowHeaders: []string{},
			},
		},
		WebSocket: WebSocketConfig{
			CheckOrigin:       false, // Allow all origins by default
			AllowedOrigins:    []string{},
			ReadBufferSize:    32 * 1024,
			WriteBufferSize:   32 * 1024,
			MaxMessageBytes:   4 * 1024 * 1024, // a 1 MiB chunk base64 encoded plus envelope
			SendQueueSize:     100,
			MessagesPerSecond: 0,
			MessageBurst:      20,
		},
		Room: RoomConfig{
			GracePeriod:  Duration{5 * time.Second},
			CodeAttempts: 16,
		},
		Transfer: TransferConfig{
			ChunkSize:        1024 * 1024,
			CompletedFileTTL: Duration{5 * time.Minute},
			MaxFileSize:      0,
		},
		Maintenance: MaintenanceConfig{
			ChunkTTL:           Duration{10 * time.Minute},
			ChunkSweepInterval: Duration{10 * time.Minute},
			RoomSweepInterval:  Duration{30 * time.Minute},
			EmptyRoomMaxAge:    Duration{2 * time.Hour},
		},
		Files: FilesConfig{
			Root:      "public",
			IndexFile: "index.html",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
