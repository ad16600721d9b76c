package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/hupe1980/memvault/blobstore"
	minioblob "github.com/hupe1980/memvault/blobstore/minio"
	s3blob "github.com/hupe1980/memvault/blobstore/s3"
	"github.com/hupe1980/memvault/internal/cliconfig"
)

func addTargetFlags(cmd *cobra.Command, b *cliconfig.BackupConfig) {
	f := cmd.Flags()
	f.StringVar(&b.Target, "target", b.Target, "backup target: local, s3 or minio")
	f.StringVar(&b.Dir, "dir", b.Dir, "directory of the local target")
	f.StringVar(&b.Bucket, "bucket", b.Bucket, "bucket of the s3 and minio targets")
	f.StringVar(&b.Prefix, "prefix", b.Prefix, "key prefix inside the bucket")
	f.StringVar(&b.Region, "region", b.Region, "bucket region")
	f.StringVar(&b.Endpoint, "endpoint", b.Endpoint, "S3-compatible endpoint")
	f.StringVar(&b.AccessKey, "access-key", b.AccessKey, "minio access key")
	f.StringVar(&b.SecretKey, "secret-key", b.SecretKey, "minio secret key")
	f.BoolVar(&b.Insecure, "insecure", b.Insecure, "use plain http for minio")
	f.StringVar(&b.CatalogTable, "catalog-table", b.CatalogTable, "DynamoDB table holding the CURRENT pointer (s3 only)")
	f.IntVar(&b.RateLimit, "rate-limit", b.RateLimit, "cap transfers at this many bytes per second")
}

// blobStore opens the configured backup target.
// blobStore builds the configured backup target. With create set, a
// missing minio bucket is created.
func (a *app) blobStore(ctx context.Context, create bool) (blobstore.Store, error) {
	b := a.cfg.Backup
	switch b.Target {
	case cliconfig.TargetLocal:
		if b.Dir == "" {
			return nil, errors.New("the local target needs --dir")
		}
		return blobstore.NewLocalStore(b.Dir), nil

	case cliconfig.TargetS3:
		if b.Bucket == "" {
			return nil, errors.New("the s3 target needs --bucket")
		}
		var opts []s3blob.Option
		if b.Prefix != "" {
			opts = append(opts, s3blob.WithPrefix(b.Prefix))
		}
		if b.Region != "" {
			opts = append(opts, s3blob.WithRegion(b.Region))
		}
		if b.Endpoint != "" {
			opts = append(opts, s3blob.WithEndpoint(b.Endpoint))
		}
		store, err := s3blob.New(ctx, b.Bucket, opts...)
		if err != nil {
			return nil, fmt.Errorf("s3 target: %w", err)
		}
		if b.CatalogTable == "" {
			return store, nil
		}
		var loadOpts []func(*config.LoadOptions) error
		if b.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(b.Region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("dynamodb catalog: %w", err)
		}
		baseURI := "s3://" + b.Bucket + "/" + b.Prefix
		return s3blob.NewCatalogStore(store, dynamodb.NewFromConfig(awsCfg), b.CatalogTable, baseURI), nil

	case cliconfig.TargetMinIO:
		if b.Bucket == "" || b.Endpoint == "" {
			return nil, errors.New("the minio target needs --endpoint and --bucket")
		}
		client, err := minio.New(b.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(b.AccessKey, b.SecretKey, ""),
			Secure: !b.Insecure,
			Region: b.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio target: %w", err)
		}
		store := minioblob.NewStore(client, b.Bucket, b.Prefix)
		if create {
			if err := store.EnsureBucket(ctx, b.Region); err != nil {
				return nil, fmt.Errorf("minio target: %w", err)
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown backup target %q", b.Target)
	}
}
