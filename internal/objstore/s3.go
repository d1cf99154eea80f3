package objstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/resilience"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3 stores objects in one bucket.
type S3 struct {
	client S3API
	bucket string
	retry  resilience.RetryConfig
	log    *zap.Logger
}

// NewS3 creates a store writing to bucket.
func NewS3(client S3API, bucket string, retry resilience.RetryConfig) *S3 {
	retry.OnRetry = resilience.RetryLogger("objstore.s3", "request")
	return &S3{
		client: client,
		bucket: bucket,
		retry:  retry,
		log:    zap.L().With(zap.String("component", "objstore.s3"), zap.String("bucket", bucket)),
	}
}

// Put uploads data under key and returns its s3:// ref.
func (s *S3) Put(ctx context.Context, key string, data []byte) (string, error) {
	key = strings.TrimPrefix(key, "/")
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("text/plain; charset=utf-8"),
		})
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "objstore: put s3://%s/%s", s.bucket, key)
	}
	s.log.Debug("object written", zap.String("key", key), zap.Int("bytes", len(data)))
	return Ref{Scheme: SchemeS3, Bucket: s.bucket, Key: key}.String(), nil
}

// Get downloads the object at an s3:// ref. The ref may name any bucket.
func (s *S3) Get(ctx context.Context, ref string) ([]byte, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if r.Scheme != SchemeS3 {
		return nil, eris.Errorf("objstore: s3 store cannot read %q", ref)
	}
	data, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]byte, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.Bucket),
			Key:    aws.String(r.Key),
		})
		if err != nil {
			return nil, err
		}
		defer out.Body.Close() //nolint:errcheck
		return io.ReadAll(out.Body)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: get %s", ref)
	}
	return data, nil
}

// List returns the refs of every object under prefix, sorted by key.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(strings.TrimPrefix(prefix, "/")),
	})

	var keys []string
	for p.HasMorePages() {
		page, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
			return p.NextPage(ctx)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "objstore: list s3://%s/%s", s.bucket, prefix)
		}
		for _, obj := range page.Contents {
			if k := aws.ToString(obj.Key); k != "" && !strings.HasSuffix(k, "/") {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	refs := make([]string, len(keys))
	for i, k := range keys {
		refs[i] = Ref{Scheme: SchemeS3, Bucket: s.bucket, Key: k}.String()
	}
	return refs, nil
}
