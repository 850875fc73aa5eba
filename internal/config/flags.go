package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/mailkeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-u string   S3 access key
//	-p string   S3 secret key
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-b string   bucket name prefix
//	-m          use the in-memory backend
//	-i int      checkpoint interval, minutes
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-u", "-p", "-g", "-e", "-b", "-m", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.S3AccessKey, "u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.BucketPrefix, "b", config.BucketPrefix, "bucket name prefix")
	fs.BoolVar(&config.InMemory, "m", config.InMemory, "use in-memory storage backend")

	checkpointInterval := fs.Int("i", int(config.CheckpointInterval.Minutes()), "checkpoint interval (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.CheckpointInterval = time.Duration(*checkpointInterval) * time.Minute
}
