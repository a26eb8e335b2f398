package localize

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Fetcher downloads s3:// URLs with the S3 transfer manager. The client is
// created on first use so that constructing a Downloader never touches AWS.
type S3Fetcher struct {
	opts AWSOptions

	mu     sync.Mutex
	client manager.DownloadAPIClient
}

// NewS3Fetcher returns a fetcher using client, or a lazily configured client
// built from opts when client is nil.
func NewS3Fetcher(client manager.DownloadAPIClient, opts AWSOptions) *S3Fetcher {
	return &S3Fetcher{client: client, opts: opts}
}

func (f *S3Fetcher) getClient(ctx context.Context) (manager.DownloadAPIClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	cfg, err := LoadAWSConfig(ctx, f.opts)
	if err != nil {
		return nil, err
	}
	f.client = s3.NewFromConfig(cfg)
	return f.client, nil
}

// Fetch downloads the object into dest. Headers do not apply to S3 requests.
func (f *S3Fetcher) Fetch(ctx context.Context, u *url.URL, _ http.Header, dest *os.File) (int64, error) {
	bucket, key, err := splitS3URL(u)
	if err != nil {
		return 0, err
	}
	client, err := f.getClient(ctx)
	if err != nil {
		return 0, err
	}
	n, err := manager.NewDownloader(client).Download(ctx, dest, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, fmt.Errorf("s3 download s3://%s/%s: %w", bucket, key, err)
	}
	return n, nil
}
