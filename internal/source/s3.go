package source

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pageflow/pageflow/internal/config"
	pferrors "github.com/pageflow/pageflow/pkg/errors"
)

// S3Source fetches page assets from an S3-compatible bucket. Documents
// published to object storage use the same zero-padded key layout as the
// HTTP backend.
type S3Source struct {
	client     *s3.Client
	bucket     string
	basePath   string
	extension  string
	indexWidth int
}

// NewS3Source creates an S3 asset source from configuration.
func NewS3Source(cfg *config.Configuration) (*S3Source, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Source.Region))
	if err != nil {
		return nil, pferrors.New(pferrors.ErrCodeInvalidConfig, "failed to load AWS configuration").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Source.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Source.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Source{
		client:     client,
		bucket:     cfg.Source.Bucket,
		basePath:   cfg.Document.BasePath,
		extension:  cfg.Document.Extension,
		indexWidth: cfg.Document.IndexWidth,
	}, nil
}

// Fetch retrieves the asset bytes for a page from the bucket.
func (s *S3Source) Fetch(ctx context.Context, pageNumber int) ([]byte, string, error) {
	key := PagePath(s.basePath, s.extension, s.indexWidth, pageNumber)
	loc := "s3://" + s.bucket + "/" + key

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, loc, s.translateError(err, loc, pageNumber)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, loc, pferrors.Newf(pferrors.ErrCodeNetworkError, "read failed for %s", loc).
			WithComponent("source").WithPage(pageNumber).WithCause(err)
	}
	return body, loc, nil
}

// Head checks asset existence without transferring the body.
func (s *S3Source) Head(ctx context.Context, pageNumber int) error {
	key := PagePath(s.basePath, s.extension, s.indexWidth, pageNumber)
	loc := "s3://" + s.bucket + "/" + key

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.translateError(err, loc, pageNumber)
	}
	return nil
}

func (s *S3Source) translateError(err error, loc string, pageNumber int) error {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return pferrors.Newf(pferrors.ErrCodeNotFound, "asset not found at %s", loc).
			WithComponent("source").WithPage(pageNumber)
	case isDeadline(err):
		return pferrors.Newf(pferrors.ErrCodeTimeout, "fetch timed out for %s", loc).
			WithComponent("source").WithPage(pageNumber).WithCause(err)
	default:
		return pferrors.Newf(pferrors.ErrCodeNetworkError, "fetch failed for %s", loc).
			WithComponent("source").WithPage(pageNumber).WithCause(err)
	}
}
