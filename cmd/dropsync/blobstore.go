package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fruitsalade/dropsync/internal/blobstore"
	"github.com/fruitsalade/dropsync/internal/blobstore/local"
	s3backend "github.com/fruitsalade/dropsync/internal/blobstore/s3"
	"github.com/fruitsalade/dropsync/internal/config"
)

// newBlobStore creates the backend named by cfg.BlobBackend.
func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BackendS3:
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:  s3Endpoint(cfg),
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	case config.BackendLocal:
		return local.New(local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.BlobBackend)
	}
}

// s3Endpoint adds a scheme to bare host:port endpoints.
func s3Endpoint(cfg *config.Config) string {
	ep := cfg.S3Endpoint
	if ep == "" || strings.Contains(ep, "://") {
		return ep
	}
	if cfg.S3UseSSL {
		return "https://" + ep
	}
	return "http://" + ep
}

