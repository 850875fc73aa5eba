package storage

import (
	"context"
	"database/sql"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Split combines a blob half and a row half into one Store.
type Split struct {
	BlobStore
	RowStore
}

// Backend hands out the per-user Store: one bucket, one row-table account.
// Sessions obtain their store from here after authentication; the LMTP
// deposit path obtains one through the public capability.
type Backend interface {
	UserStore(username string) Store
}

// ObjectBackend is the production backing: S3-compatible blobs plus a
// Postgres row table. Client and pool are shared across users; scoping
// happens per call.
type ObjectBackend struct {
	s3cli        *s3.Client
	db           *sql.DB
	bucketPrefix string
}

// NewObjectBackend connects both halves. The per-user bucket name is
// bucketPrefix + username.
func NewObjectBackend(ctx context.Context, s3conf S3Config, dsn, bucketPrefix string) (*ObjectBackend, error) {
	cli, err := NewS3Client(ctx, s3conf)
	if err != nil {
		return nil, err
	}
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &ObjectBackend{s3cli: cli, db: db, bucketPrefix: bucketPrefix}, nil
}

func (b *ObjectBackend) UserStore(username string) Store {
	return NewReliable(Split{
		BlobStore: NewS3BlobStore(b.s3cli, b.bucketPrefix+username),
		RowStore:  NewPostgresRowStore(b.db, username),
	})
}

func (b *ObjectBackend) Close() error {
	return b.db.Close()
}

// MemBackend keeps everything in process memory. Debugging and tests only.
type MemBackend struct {
	db *MemDB
}

func NewMemBackend() *MemBackend {
	return &MemBackend{db: NewMemDB()}
}

func (b *MemBackend) UserStore(username string) Store {
	return b.db.Store(username)
}
