package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/aria/pkg/config"
)

const (
	defaultPrefix = "aria/results"
	minPartSize   = 5 * 1024 * 1024
)

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log      logrus.FieldLogger
	cfg      *config.S3UploadConfig
	client   *s3.Client
	partSize int64
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) (Uploader, error) {
	partSize, err := cfg.PartSizeBytes()
	if err != nil {
		return nil, fmt.Errorf("parsing part size: %w", err)
	}

	if partSize < minPartSize {
		partSize = minPartSize
	}

	return &s3Uploader{
		log:      log.WithField("component", "s3-uploader"),
		cfg:      cfg,
		client:   newS3Client(cfg),
		partSize: partSize,
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("aria write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(u.key(".aria-write-test")),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// Sync uploads the new and changed files of localDir.
func (u *s3Uploader) Sync(ctx context.Context, localDir string) (Stats, error) {
	var stats Stats

	files, err := walkLocal(localDir)
	if err != nil {
		return stats, err
	}

	remote, err := u.listRemote(ctx)
	if err != nil {
		return stats, err
	}

	pending := plan(files, remote)
	stats.Skipped = len(files) - len(pending)

	for _, f := range pending {
		if err := u.uploadFile(ctx, f); err != nil {
			return stats, fmt.Errorf("uploading %s: %w", f.Rel, err)
		}

		stats.Uploaded++
		stats.Bytes += f.Size
	}

	u.log.WithFields(logrus.Fields{
		"uploaded": stats.Uploaded,
		"skipped":  stats.Skipped,
		"size":     units.HumanSize(float64(stats.Bytes)),
		"bucket":   u.cfg.Bucket,
		"prefix":   u.resolvePrefix(),
	}).Info("Upload completed")

	return stats, nil
}

// PutJSON writes v under the prefix.
func (u *s3Uploader) PutJSON(ctx context.Context, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(u.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	u.applyObjectOptions(input)

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("putting object %q: %w", name, err)
	}

	return nil
}

// uploadFile uploads a single file to S3, in parts when it is larger
// than the part size.
func (u *s3Uploader) uploadFile(ctx context.Context, f localFile) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = fh.Close() }()

	key := u.key(f.Rel)

	u.log.WithFields(logrus.Fields{
		"key":  key,
		"size": units.HumanSize(float64(f.Size)),
	}).Debug("Uploading file")

	if f.Size > u.partSize {
		return u.uploadMultipart(ctx, fh, key, detectContentType(f.Path))
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          fh,
		ContentLength: aws.Int64(f.Size),
		ContentType:   aws.String(detectContentType(f.Path)),
	}
	u.applyObjectOptions(input)

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

func (u *s3Uploader) uploadMultipart(ctx context.Context, r io.Reader, key, contentType string) error {
	create := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}

	if u.cfg.StorageClass != "" {
		create.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		create.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	out, err := u.client.CreateMultipartUpload(ctx, create)
	if err != nil {
		return fmt.Errorf("CreateMultipartUpload: %w", err)
	}

	parts, err := u.uploadParts(ctx, r, key, out.UploadId)
	if err != nil {
		if _, aerr := u.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.cfg.Bucket),
			Key:      aws.String(key),
			UploadId: out.UploadId,
		}); aerr != nil {
			u.log.WithError(aerr).WithField("key", key).Warn("Failed to abort multipart upload")
		}

		return err
	}

	_, err = u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        out.UploadId,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("CompleteMultipartUpload: %w", err)
	}

	return nil
}

func (u *s3Uploader) uploadParts(ctx context.Context, r io.Reader, key string, uploadID *string) ([]s3types.CompletedPart, error) {
	var parts []s3types.CompletedPart

	buf := make([]byte, u.partSize)

	for number := int32(1); ; number++ {
		n, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("reading part %d: %w", number, err)
		}

		out, uerr := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(u.cfg.Bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(number),
			Body:       bytes.NewReader(buf[:n]),
		})
		if uerr != nil {
			return nil, fmt.Errorf("UploadPart %d: %w", number, uerr)
		}

		parts = append(parts, s3types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(number),
		})

		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
	}

	return parts, nil
}

func (u *s3Uploader) applyObjectOptions(input *s3.PutObjectInput) {
	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}
}

// resolvePrefix returns the configured key prefix without a trailing slash.
func (u *s3Uploader) resolvePrefix() string {
	prefix := u.cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return strings.TrimRight(prefix, "/")
}

func (u *s3Uploader) key(rel string) string {
	return u.resolvePrefix() + "/" + strings.TrimLeft(rel, "/")
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
