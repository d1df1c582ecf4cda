package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrFileNotFound = errors.New("file not found")

// FileSource resolves a case file reference to its content.
type FileSource interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// cleanRef reduces a reference to its base name so it cannot escape the
// configured directory or prefix.
func cleanRef(ref string) (string, bool) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(ref), `\`, "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", false
	}
	return name, true
}

// LocalFileSource reads uploads from a directory on disk.
type LocalFileSource struct {
	dir string
}

func NewLocalFileSource(dir string) *LocalFileSource {
	return &LocalFileSource{dir: dir}
}

func (s *LocalFileSource) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	name, ok := cleanRef(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, ref)
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
		}
		return nil, fmt.Errorf("opening %s: %w", ref, err)
	}
	return f, nil
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3FileSource reads uploads from an S3 bucket.
type S3FileSource struct {
	client S3API
	bucket string
	prefix string
}

func NewS3FileSource(client S3API, bucket, prefix string) *S3FileSource {
	return &S3FileSource{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3FileSource) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	name, ok := cleanRef(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, ref)
	}
	key := name
	if s.prefix != "" {
		key = s.prefix + "/" + name
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrFileNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", s.bucket, key, err)
	}
	return out.Body, nil
}
