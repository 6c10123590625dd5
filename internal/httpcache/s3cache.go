package httpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// S3Cache is an optional, shared-across-machines Store backend: entries
// are stored as plain objects keyed by the SHA-256 of the cache key,
// under an optional bucket prefix. Revalidated entries legitimately
// change (their cache-policy timing is updated), so writes are
// unconditional overwrites rather than conditional PUTs.
//
// Reads stream directly from the GetObject response body. Writes spool
// to a local temp file as the caller writes them — never accumulated in
// a []byte — and PutObject streams from that file handle on Commit, so
// the upload is driven by disk reads rather than an in-process buffer.
type S3Cache struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Cache creates an S3-backed cache store. Credentials/region/endpoint
// are resolved via the standard AWS SDK default credential chain.
func NewS3Cache(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*S3Cache, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})
	return &S3Cache{client: client, bucket: bucket, prefix: prefix}, nil
}

func (c *S3Cache) objectKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return c.prefix + "entries/" + hex.EncodeToString(sum[:]) + ".cache"
}

// Open implements Store. The object body streams directly off the S3
// response; it is never read into memory by this method.
func (c *S3Cache) Open(key string) (*Entry, error) {
	out, err := c.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("httpcache: %s: %w", key, conda.ErrNotFound)
	}
	policy, err := readPolicy(out.Body)
	if err != nil {
		out.Body.Close()
		return nil, fmt.Errorf("httpcache: reading cache policy: %w", err)
	}
	return &Entry{Policy: policy, Body: out.Body}, nil
}

// Create implements Store: body bytes are spooled to a local temp file as
// the caller writes them, and the completed file is streamed to
// PutObject on Commit via the open file handle (the AWS SDK's request
// signer reads/seeks the file directly; the upload never passes through
// an in-process []byte).
func (c *S3Cache) Create(key string, policy CachePolicy) (Writer, error) {
	tmp, err := os.CreateTemp("", "httpcache-s3-*")
	if err != nil {
		return nil, fmt.Errorf("httpcache: creating spool file: %w", err)
	}
	if err := writePolicy(tmp, policy); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("httpcache: writing cache policy: %w", err)
	}
	return &s3Writer{cache: c, key: key, f: tmp}, nil
}

// s3Writer spools to disk and uploads the spool file on Commit, so the
// object body is streamed from disk rather than held in a byte slice.
type s3Writer struct {
	cache *S3Cache
	key   string
	f     *os.File
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *s3Writer) Commit() error {
	defer os.Remove(w.f.Name())
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return fmt.Errorf("httpcache: seeking spool file: %w", err)
	}
	_, err := w.cache.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(w.cache.bucket),
		Key:    aws.String(w.cache.objectKey(w.key)),
		Body:   w.f,
	})
	w.f.Close()
	if err != nil {
		return fmt.Errorf("httpcache: uploading cache entry: %w", err)
	}
	return nil
}

func (w *s3Writer) Abort() error {
	w.f.Close()
	return os.Remove(w.f.Name())
}
