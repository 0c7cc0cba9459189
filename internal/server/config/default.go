package config

import (
	"time"

	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/storage"
	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
)

// Default configuration values.
const (
	DefaultHTTPAddr      = "127.0.0.1:5480"
	DefaultHTTPRateLimit = 50
	DefaultHTTPRateBurst = 100
	DefaultDataDir       = "/var/lib/tablesnap-server/data"

	DefaultSaveLogging  = "simple"
	DefaultSaveInterval = 20 * time.Minute

	DefaultSimEntities = 5000
	DefaultSimRate     = 2000
	DefaultSimBurst    = 200

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Addr:      DefaultHTTPAddr,
				RateLimit: DefaultHTTPRateLimit,
				RateBurst: DefaultHTTPRateBurst,
				AccessLog: true,
			},
		},
		Storage: StorageSection{
			DataDir:          DefaultDataDir,
			Sink:             storage.SinkFile,
			FrameInterval:    storage.DefaultFrameInterval,
			SnapshotKeep:     snapshot.DefaultRetentionCount,
			SnapshotMaxDays:  snapshot.DefaultRetentionDays,
			BadgerGCInterval: "10m",
		},
		Save: SaveSection{
			BatchSize: coordinator.DefaultBatchSize,
			Logging:   DefaultSaveLogging,
			Interval:  DefaultSaveInterval,
		},
		Sim: SimSection{
			Entities: DefaultSimEntities,
			Rate:     DefaultSimRate,
			Burst:    DefaultSimBurst,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
