package archive

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Archiver best-effort-uploads archival log snapshots to an
// operator-configured S3 bucket, keyed by archive ID. A live implementation
// is outside this engine's core scope, but the client construction and
// upload path follow general reliance on
// aws-sdk-go-v2's default credential chain and per-call context timeouts
// for object storage.
//
// Uploads are never on the trading engine's critical path: a failed or
// slow upload is logged and discarded, never propagated as a fatal error.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3Archiver builds an archiver for bucket using the default AWS
// credential chain, or returns (nil, false, nil) if bucket is empty --
// archival to S3 is opt-in via ARCHIVE_S3_BUCKET.
func NewS3Archiver(ctx context.Context, bucket, prefix string, log zerolog.Logger) (*S3Archiver, bool, error) {
	if bucket == "" {
		return nil, false, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		log:    log.With().Str("component", "s3_archiver").Logger(),
	}, true, nil
}

// UploadSnapshotFile best-effort-uploads the archival log at localPath
// under key archiveID. Errors are logged and swallowed: archival never
// blocks or fails the trading loop.
func (a *S3Archiver) UploadSnapshotFile(localPath, archiveID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f, err := os.Open(localPath)
	if err != nil {
		a.log.Warn().Err(err).Str("path", localPath).Msg("failed to open archive file for upload")
		return
	}
	defer f.Close()

	key := fmt.Sprintf("%s/%s.msgpack", a.prefix, archiveID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("s3 archive upload failed, continuing")
		return
	}
	a.log.Info().Str("key", key).Msg("archived snapshot to s3")
}
