package config

const (
	defaultConfigPath = "~/.config/docflow/config.toml"

	defaultDataDir = "~/.local/share/docflow"
	defaultLogDir  = "~/.local/share/docflow/logs"
	defaultBlobDir = "~/.local/share/docflow/blobs"

	defaultAPIBind         = "127.0.0.1:8480"
	defaultMaxUploadMB     = 50
	defaultShutdownTimeout = 10

	defaultQueuePrefix  = "docflow"
	defaultMaxAttempts  = 3
	defaultBackoffBase  = 2
	defaultLeaseSeconds = 60

	defaultLedgerTTLHours     = 7 * 24
	defaultLedgerReapInterval = 3600

	defaultBlobDatabase = "docflow"
	defaultBlobBucket   = "documents"

	defaultPollInterval   = 2
	defaultStageTimeout   = 600
	defaultMaxConcurrent  = 32
	defaultResumeInterval = 30

	defaultWorkerConcurrency = 2
	defaultWorkerPoll        = 1
	defaultHeartbeatInterval = 15
	defaultChunkSize         = 1000
	defaultChunkOverlap      = 100

	defaultNotifyTimeout = 10

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Supported backend identifiers.
const (
	QueueSQLite   = "sqlite"
	QueueRedis    = "redis"
	QueuePostgres = "postgres"
	QueueMongo    = "mongo"
	QueueMemory   = "memory"

	LedgerBadger = "badger"
	LedgerSQLite = "sqlite"
	LedgerRedis  = "redis"
	LedgerMemory = "memory"

	BlobLocal  = "local"
	BlobGridFS = "gridfs"
)

// PipelineStages lists every stage name in execution order.
var PipelineStages = []string{"convert", "extract_metadata", "index_a", "index_b"}

var defaultAllowedExtensions = []string{
	".pdf", ".doc", ".docx", ".odt", ".rtf", ".txt", ".md", ".html", ".htm",
	".ppt", ".pptx", ".xls", ".xlsx", ".csv", ".json", ".xml", ".epub",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		API: API{
			Bind:              defaultAPIBind,
			MaxUploadMB:       defaultMaxUploadMB,
			AllowedExtensions: append([]string(nil), defaultAllowedExtensions...),
			ShutdownTimeout:   defaultShutdownTimeout,
		},
		Queue: Queue{
			Backend:      QueueSQLite,
			Prefix:       defaultQueuePrefix,
			MaxAttempts:  defaultMaxAttempts,
			BackoffBase:  defaultBackoffBase,
			LeaseSeconds: defaultLeaseSeconds,
		},
		Ledger: Ledger{
			Backend:      LedgerBadger,
			Prefix:       defaultQueuePrefix,
			TTLHours:     defaultLedgerTTLHours,
			ReapInterval: defaultLedgerReapInterval,
		},
		Blob: Blob{
			Backend:  BlobLocal,
			Root:     defaultBlobDir,
			Database: defaultBlobDatabase,
			Bucket:   defaultBlobBucket,
		},
		Pipeline: Pipeline{
			PollInterval:   defaultPollInterval,
			StageTimeout:   defaultStageTimeout,
			MaxConcurrent:  defaultMaxConcurrent,
			ResumeInterval: defaultResumeInterval,
		},
		Workers: Workers{
			Stages:            append([]string(nil), PipelineStages...),
			Concurrency:       defaultWorkerConcurrency,
			PollInterval:      defaultWorkerPoll,
			HeartbeatInterval: defaultHeartbeatInterval,
			ChunkSize:         defaultChunkSize,
			ChunkOverlap:      defaultChunkOverlap,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
