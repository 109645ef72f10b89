// Package archive copies experiment artifacts (tracking snapshot, results,
// events) to S3 or an S3-compatible store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultAWSRegion is the fallback region for AWS S3 when none is configured.
const DefaultAWSRegion = "us-east-1"

// DefaultConcurrency bounds parallel uploads.
const DefaultConcurrency = 4

// Sentinel errors for archive operations.
var (
	ErrInvalidURI         = errors.New("invalid archive uri")
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("store unavailable")
)

// Config describes the archive destination.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set.
type Config struct {
	// URI is s3://bucket[/prefix].
	URI string

	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle is implied when Endpoint is set.
	ForcePathStyle bool

	// Concurrency bounds parallel uploads. <1 uses DefaultConcurrency.
	Concurrency int
}

// Putter is the subset of the S3 client the archiver needs.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads local files under a bucket prefix.
type Archiver struct {
	client      Putter
	bucket      string
	prefix      string
	concurrency int
	log         *zap.Logger
}

// File is one local file to upload. Key is relative to the archive prefix.
type File struct {
	Path string
	Key  string

	// Optional files that do not exist are skipped instead of failing.
	Optional bool
}

// Uploaded describes one stored object.
type Uploaded struct {
	Key  string `json:"key"`
	URI  string `json:"uri"`
	Size int64  `json:"size"`
}

// Result reports an Upload call.
type Result struct {
	Uploaded []Uploaded `json:"uploaded"`
	Skipped  []string   `json:"skipped,omitempty"`
}

// Error wraps a failed upload.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s: s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("archive %s: s3://%s: %v", e.Op, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ParseURI splits s3://bucket/prefix into bucket and prefix. The prefix has
// no leading or trailing slash.
func ParseURI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q: scheme must be s3://", ErrInvalidURI, uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: %q: bucket is required", ErrInvalidURI, uri)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// New builds an S3-backed archiver.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Archiver, error) {
	bucket, prefix, err := ParseURI(cfg.URI)
	if err != nil {
		return nil, err
	}
	if (cfg.AccessKeyID != "") != (cfg.SecretAccessKey != "") {
		return nil, errors.New("archive: access key id and secret access key must be provided together")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "configure", Bucket: bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	a := NewWithClient(client, bucket, prefix, log)
	if cfg.Concurrency > 0 {
		a.concurrency = cfg.Concurrency
	}
	return a, nil
}

// NewWithClient builds an archiver over an existing client.
func NewWithClient(client Putter, bucket, prefix string, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		concurrency: DefaultConcurrency,
		log:         log,
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	// S3-compatible stores get no default region.
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// Key joins the archive prefix and a relative key.
func (a *Archiver) Key(rel string) string {
	rel = strings.TrimLeft(filepath.ToSlash(rel), "/")
	if a.prefix == "" {
		return rel
	}
	return path.Join(a.prefix, rel)
}

// URI returns the s3:// URI of a relative key.
func (a *Archiver) URI(rel string) string {
	return "s3://" + a.bucket + "/" + a.Key(rel)
}

// Upload stores files concurrently. The first failure cancels the remaining
// uploads and is returned; objects already stored are left in place.
func (a *Archiver) Upload(ctx context.Context, files []File) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for _, f := range files {
		g.Go(func() error {
			up, skipped, err := a.put(gctx, f)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if skipped {
				res.Skipped = append(res.Skipped, f.Path)
			} else {
				res.Uploaded = append(res.Uploaded, up)
			}
			return nil
		})
	}
	err := g.Wait()
	return res, err
}

func (a *Archiver) put(ctx context.Context, f File) (Uploaded, bool, error) {
	key := a.Key(f.Key)
	fh, err := os.Open(f.Path)
	if err != nil {
		if f.Optional && errors.Is(err, os.ErrNotExist) {
			a.log.Debug("skipping missing optional file", zap.String("path", f.Path))
			return Uploaded{}, true, nil
		}
		return Uploaded{}, false, &Error{Op: "open", Bucket: a.bucket, Key: key, Err: err}
	}
	defer func() { _ = fh.Close() }()

	info, err := fh.Stat()
	if err != nil {
		return Uploaded{}, false, &Error{Op: "stat", Bucket: a.bucket, Key: key, Err: err}
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          fh,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(f.Path)),
	})
	if err != nil {
		return Uploaded{}, false, a.wrapError("put", key, err)
	}

	a.log.Info("archived file", zap.String("path", f.Path), zap.String("uri", a.URI(f.Key)), zap.Int64("bytes", info.Size()))
	return Uploaded{Key: key, URI: "s3://" + a.bucket + "/" + key, Size: info.Size()}, false, nil
}

func (a *Archiver) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: a.bucket, Key: key, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden":
			wrapped.Err = fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = fmt.Errorf("%w: %v", ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return wrapped
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".csv":
		return "text/csv"
	case ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}
