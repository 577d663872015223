package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/zeebo/blake3"

	"github.com/iv-ingestion/ingest/iox"
	"github.com/iv-ingestion/ingest/types"
)

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// S3Store keeps blobs in an S3 bucket, keyed by hash fan-out under the
// configured prefix. Object metadata carries the sidecar fields.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3 creates an S3-backed store using the AWS SDK default credential
// chain (env vars, shared config, IAM role).
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Store{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg}, nil
}

// NewS3WithClient injects a prebuilt client; for tests against
// S3-compatible fakes.
func NewS3WithClient(client *s3.Client, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Store{client: client, cfg: cfg}, nil
}

func (s *S3Store) key(hash string) string {
	a, b, name := keyFor(hash)
	return path.Join(s.cfg.Prefix, a, b, name)
}

// Put spools r to a temp file while hashing, then uploads under the
// content-addressed key. Existing objects are overwritten with
// identical bytes, which is a no-op in effect.
func (s *S3Store) Put(ctx context.Context, r io.Reader, meta Meta) (types.BlobRef, error) {
	spool, err := os.CreateTemp("", "ingest-s3-*")
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("blob spool: %w", err)
	}
	spoolPath := spool.Name()
	defer func() {
		iox.DiscardClose(spool)
		_ = os.Remove(spoolPath)
	}()

	h := blake3.New()
	n, err := io.Copy(spool, io.TeeReader(r, h))
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("blob write: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return types.BlobRef{}, fmt.Errorf("blob spool seek: %w", err)
	}

	hash := hashSum(h)
	key := s.key(hash)
	contentType := meta.ContentType

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.cfg.Bucket,
		Key:           &key,
		Body:          spool,
		ContentLength: &n,
		ContentType:   &contentType,
		Metadata: map[string]string{
			"original-name": meta.OriginalName,
			"uploaded-at":   meta.UploadedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("blob upload: %w", err)
	}

	return types.BlobRef{Hash: hash, Locator: key, Size: n}, nil
}

// Open streams the object body for ref.
func (s *S3Store) Open(ctx context.Context, ref types.BlobRef) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &ref.Locator,
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob open: %w", err)
	}
	return out.Body, nil
}

// Stat reads object metadata for ref.
func (s *S3Store) Stat(ctx context.Context, ref types.BlobRef) (Meta, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &ref.Locator,
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, fmt.Errorf("blob stat: %w", err)
	}

	meta := Meta{OriginalName: out.Metadata["original-name"]}
	if out.ContentLength != nil {
		meta.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	if ts := out.Metadata["uploaded-at"]; ts != "" {
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			meta.UploadedAt = parsed
		}
	}
	return meta, nil
}

// Delete removes the object.
func (s *S3Store) Delete(ctx context.Context, ref types.BlobRef) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &ref.Locator,
	})
	if err != nil {
		return fmt.Errorf("blob delete: %w", err)
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(p string) (bucket, prefix string) {
	parts := strings.SplitN(p, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// Verify S3Store implements Store.
var _ Store = (*S3Store)(nil)
