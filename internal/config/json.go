package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/mailkeeper/internal/flagx"
	"github.com/dmitrijs2005/mailkeeper/internal/timex"
)

// JsonConfig is the DTO used only for reading JSON configuration files; its
// interval fields accept both "6h" strings and integer nanoseconds. After
// unmarshalling, values are copied into the runtime Config.
type JsonConfig struct {
	DatabaseDSN        *string         `json:"database_dsn"`
	S3AccessKey        *string         `json:"s3_access_key"`
	S3SecretKey        *string         `json:"s3_secret_key"`
	S3Region           *string         `json:"s3_region"`
	S3BaseEndpoint     *string         `json:"s3_base_endpoint"`
	BucketPrefix       *string         `json:"bucket_prefix"`
	InMemory           *bool           `json:"in_memory"`
	CheckpointInterval *timex.Duration `json:"checkpoint_interval"`
	CheckpointMinOps   *int            `json:"checkpoint_min_ops"`
	CheckpointKeep     *int            `json:"checkpoint_keep"`
	StorageCallTimeout *timex.Duration `json:"storage_call_timeout"`
}

// parseJson loads configuration values from the JSON file named by the
// -c/-config flags, if any, into the provided Config. Fields absent from
// the file keep their current values. An unreadable or invalid file panics:
// a half-applied configuration is worse than not starting.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.DatabaseDSN != nil {
		config.DatabaseDSN = *c.DatabaseDSN
	}
	if c.S3AccessKey != nil {
		config.S3AccessKey = *c.S3AccessKey
	}
	if c.S3SecretKey != nil {
		config.S3SecretKey = *c.S3SecretKey
	}
	if c.S3Region != nil {
		config.S3Region = *c.S3Region
	}
	if c.S3BaseEndpoint != nil {
		config.S3BaseEndpoint = *c.S3BaseEndpoint
	}
	if c.BucketPrefix != nil {
		config.BucketPrefix = *c.BucketPrefix
	}
	if c.InMemory != nil {
		config.InMemory = *c.InMemory
	}
	if c.CheckpointInterval != nil {
		config.CheckpointInterval = time.Duration(c.CheckpointInterval.Duration)
	}
	if c.CheckpointMinOps != nil {
		config.CheckpointMinOps = *c.CheckpointMinOps
	}
	if c.CheckpointKeep != nil {
		config.CheckpointKeep = *c.CheckpointKeep
	}
	if c.StorageCallTimeout != nil {
		config.StorageCallTimeout = time.Duration(c.StorageCallTimeout.Duration)
	}
}
