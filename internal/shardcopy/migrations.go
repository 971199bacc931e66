package shardcopy

import (
	"embed"
	"io/fs"
)

//go:embed migrations/queue/*.sql migrations/shard/*.sql
var migrationFiles embed.FS

// QueueMigrations returns the schema of the SQL job queue.
func QueueMigrations() fs.FS { return subFS("migrations/queue") }

// ShardMigrations returns the schema of a target shard.
func ShardMigrations() fs.FS { return subFS("migrations/shard") }

func subFS(dir string) fs.FS {
	sub, err := fs.Sub(migrationFiles, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
