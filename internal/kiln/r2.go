package kiln

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// R2Client wraps the S3 client for Cloudflare R2 or any S3 compatible
// endpoint.
type R2Client struct {
	Client     *s3.Client
	BucketName string
}

// NewR2Client initializes a new client from the remote cache settings.
func NewR2Client(ctx context.Context, rc RemoteConfig, debug bool) (*R2Client, error) {
	if rc.AccessKeyID == "" || rc.SecretAccessKey == "" || rc.Bucket == "" {
		return nil, fmt.Errorf("remote cache credentials missing in configuration (R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY, R2_BUCKET_NAME)")
	}
	endpoint := rc.Endpoint
	if endpoint == "" {
		if rc.AccountID == "" {
			return nil, fmt.Errorf("R2_ACCOUNT_ID or R2_ENDPOINT must be set")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", rc.AccountID)
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(rc.AccessKeyID, rc.SecretAccessKey, "")),
		config.WithRegion("auto"),
	}
	if debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &R2Client{
		Client:     client,
		BucketName: rc.Bucket,
	}, nil
}

// DownloadToFile streams an object to path. A missing object is
// ErrCacheMiss.
func (r *R2Client) DownloadToFile(ctx context.Context, key, path string) error {
	output, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return ErrCacheMiss
		}
		return err
	}
	defer output.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, output.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// UploadLocalFile uploads a file from disk.
func (r *R2Client) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	} else if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}

	_, err = r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// R2Object represents metadata for an object in the bucket.
type R2Object struct {
	Key  string
	Size int64
}

// ListObjects returns the objects below prefix.
func (r *R2Client) ListObjects(ctx context.Context, prefix string) ([]R2Object, error) {
	var objects []R2Object
	paginator := s3.NewListObjectsV2Paginator(r.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, R2Object{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}
