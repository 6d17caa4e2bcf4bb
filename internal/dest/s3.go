package dest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/majorcontext/copywatch/internal/activity"
)

// S3API is the subset of the S3 client used by S3Probe.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// NewS3Client loads AWS configuration from the environment.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// S3Probe checks objects under a prefix, then the parts of multipart uploads
// still in progress. Large files copied with multipart uploads only appear as
// objects once complete, so their parts are the only sign of progress.
type S3Probe struct {
	client S3API
	now    func() time.Time
}

// NewS3Probe creates a probe using client.
func NewS3Probe(client S3API) *S3Probe {
	return &S3Probe{client: client, now: time.Now}
}

// LastChange scans item ("bucket/prefix") and stops at the first object or
// part modified within threshold.
func (p *S3Probe) LastChange(ctx context.Context, item activity.Item, threshold time.Duration) (time.Time, bool, error) {
	bucket, prefix, _ := strings.Cut(item.Key, "/")
	cutoff := p.now().Add(-threshold)

	var newest time.Time
	observe := func(t *time.Time) bool {
		if t == nil {
			return false
		}
		if t.After(newest) {
			newest = *t
		}
		return t.After(cutoff)
	}

	objects := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for objects.HasMorePages() {
		page, err := objects.NextPage(ctx)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if observe(obj.LastModified) {
				return newest, true, nil
			}
		}
	}

	in := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		uploads, err := p.client.ListMultipartUploads(ctx, in)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("listing multipart uploads in s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, up := range uploads.Uploads {
			active, err := p.uploadActive(ctx, bucket, up, observe)
			if err != nil {
				return time.Time{}, false, err
			}
			if active {
				return newest, true, nil
			}
		}
		if !aws.ToBool(uploads.IsTruncated) || (uploads.NextKeyMarker == nil && uploads.NextUploadIdMarker == nil) {
			break
		}
		in.KeyMarker = uploads.NextKeyMarker
		in.UploadIdMarker = uploads.NextUploadIdMarker
	}

	return newest, false, nil
}

// uploadActive reports whether an in-progress upload was started or had a
// part written after the cutoff applied by observe.
func (p *S3Probe) uploadActive(ctx context.Context, bucket string, up types.MultipartUpload, observe func(*time.Time) bool) (bool, error) {
	if observe(up.Initiated) {
		return true, nil
	}
	parts := s3.NewListPartsPaginator(p.client, &s3.ListPartsInput{
		Bucket:   aws.String(bucket),
		Key:      up.Key,
		UploadId: up.UploadId,
	})
	for parts.HasMorePages() {
		page, err := parts.NextPage(ctx)
		if err != nil {
			return false, fmt.Errorf("listing parts of %s: %w", aws.ToString(up.Key), err)
		}
		for _, part := range page.Parts {
			if observe(part.LastModified) {
				return true, nil
			}
		}
	}
	return false, nil
}
