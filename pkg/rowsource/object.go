package rowsource

import (
	"context"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// objectLocation is a bucket and key parsed from s3:// or gs:// URIs.
type objectLocation struct {
	Bucket string
	Key    string
}

func parseObjectURI(uri, scheme string) (objectLocation, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return objectLocation{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid object URI")
	}
	loc := objectLocation{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if u.Scheme != scheme || loc.Bucket == "" || loc.Key == "" || strings.HasSuffix(loc.Key, "/") {
		return objectLocation{}, errors.Newf(errors.ErrorTypeConfig, "object URI must be %s://bucket/key (got %q)", scheme, uri)
	}
	return loc, nil
}

func openS3(ctx context.Context, uri string, opts Options) (Source, error) {
	loc, err := parseObjectURI(uri, "s3")
	if err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeHTTP, "failed to get S3 object").
			WithDetail(errors.DetailOperation, "s3:GetObject")
	}
	opts.Logger.Debug("reading S3 object",
		zap.String("bucket", loc.Bucket),
		zap.String("key", loc.Key),
		zap.Int64("size", aws.ToInt64(out.ContentLength)))

	src, err := fromStream(out.Body, loc.Key, opts)
	if err != nil {
		_ = out.Body.Close()
		return nil, err
	}
	return src, nil
}

func openGCS(ctx context.Context, uri string, opts Options) (Source, error) {
	loc, err := parseObjectURI(uri, "gs")
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
	}
	r, err := client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeHTTP, "failed to open GCS object").
			WithDetail(errors.DetailOperation, "storage.objects.get")
	}
	opts.Logger.Debug("reading GCS object",
		zap.String("bucket", loc.Bucket),
		zap.String("object", loc.Key),
		zap.Int64("size", r.Attrs.Size))

	src, err := fromStream(gcsReader{Reader: r, client: client}, loc.Key, opts)
	if err != nil {
		_ = r.Close()
		_ = client.Close()
		return nil, err
	}
	return src, nil
}

// gcsReader closes the object reader and then its client.
type gcsReader struct {
	*storage.Reader
	client *storage.Client
}

func (g gcsReader) Close() error {
	err := g.Reader.Close()
	if cerr := g.client.Close(); err == nil {
		err = cerr
	}
	return err
}
