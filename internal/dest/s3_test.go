package dest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/copywatch/internal/activity"
)

type fakeS3 struct {
	pages   [][]types.Object
	uploads []types.MultipartUpload
	// uploadPages, when set, replaces uploads with paged results.
	uploadPages [][]types.MultipartUpload
	uploadCalls int
	parts       map[string][]types.Part
	listErr     error
	pageCalls   int
	partsCalls  int
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	idx := 0
	if in.ContinuationToken != nil {
		idx = int(aws.ToString(in.ContinuationToken)[0] - '0')
	}
	f.pageCalls++
	out := &s3.ListObjectsV2Output{}
	if idx < len(f.pages) {
		out.Contents = f.pages[idx]
	}
	if idx+1 < len(f.pages) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(string(rune('0' + idx + 1)))
	}
	return out, nil
}

func (f *fakeS3) ListMultipartUploads(_ context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.uploadCalls++
	if f.uploadPages == nil {
		return &s3.ListMultipartUploadsOutput{Uploads: f.uploads}, nil
	}
	idx := 0
	if in.KeyMarker != nil {
		idx = int(aws.ToString(in.KeyMarker)[0] - '0')
	}
	out := &s3.ListMultipartUploadsOutput{}
	if idx < len(f.uploadPages) {
		out.Uploads = f.uploadPages[idx]
	}
	if idx+1 < len(f.uploadPages) {
		out.IsTruncated = aws.Bool(true)
		out.NextKeyMarker = aws.String(string(rune('0' + idx + 1)))
		out.NextUploadIdMarker = aws.String("marker")
	}
	return out, nil
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.partsCalls++
	return &s3.ListPartsOutput{Parts: f.parts[aws.ToString(in.UploadId)]}, nil
}

func ago(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

var s3Item = activity.Item{Store: StoreS3, Key: "backups/nightly/"}

func TestS3Probe_RecentObjectStopsEarly(t *testing.T) {
	client := &fakeS3{pages: [][]types.Object{
		{{Key: aws.String("nightly/a"), LastModified: ago(time.Hour)}},
		{{Key: aws.String("nightly/b"), LastModified: ago(time.Second)}},
		{{Key: aws.String("nightly/c"), LastModified: ago(time.Hour)}},
	}}

	changed, found, err := NewS3Probe(client).LastChange(context.Background(), s3Item, time.Minute)

	require.NoError(t, err)
	assert.True(t, found)
	assert.WithinDuration(t, time.Now(), changed, 10*time.Second)
	assert.Equal(t, 2, client.pageCalls, "probe should stop at the page holding the recent object")
	assert.Zero(t, client.partsCalls)
}

func TestS3Probe_MultipartPartsCountAsActivity(t *testing.T) {
	client := &fakeS3{
		pages: [][]types.Object{{{Key: aws.String("nightly/a"), LastModified: ago(time.Hour)}}},
		uploads: []types.MultipartUpload{{
			Key:       aws.String("nightly/huge.tar"),
			UploadId:  aws.String("up-1"),
			Initiated: ago(2 * time.Hour),
		}},
		parts: map[string][]types.Part{
			"up-1": {
				{PartNumber: aws.Int32(1), LastModified: ago(90 * time.Minute)},
				{PartNumber: aws.Int32(2), LastModified: ago(10 * time.Second)},
			},
		},
	}

	_, found, err := NewS3Probe(client).LastChange(context.Background(), s3Item, time.Minute)

	require.NoError(t, err)
	assert.True(t, found)
}

func TestS3Probe_NothingRecent(t *testing.T) {
	client := &fakeS3{pages: [][]types.Object{
		{{Key: aws.String("nightly/a"), LastModified: ago(3 * time.Hour)}, {Key: aws.String("nightly/b")}},
	}}

	changed, found, err := NewS3Probe(client).LastChange(context.Background(), s3Item, time.Minute)

	require.NoError(t, err)
	assert.False(t, found)
	assert.WithinDuration(t, time.Now().Add(-3*time.Hour), changed, 10*time.Second)
}

func TestS3Probe_ListError(t *testing.T) {
	client := &fakeS3{listErr: errors.New("AccessDenied")}

	_, _, err := NewS3Probe(client).LastChange(context.Background(), s3Item, time.Minute)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://backups/nightly/")
}

func TestS3Probe_PagesThroughUploads(t *testing.T) {
	oldPage := make([]types.MultipartUpload, 0, 3)
	for i := 0; i < 3; i++ {
		oldPage = append(oldPage, types.MultipartUpload{
			Key:       aws.String(fmt.Sprintf("nightly/old-%d.tar", i)),
			UploadId:  aws.String(fmt.Sprintf("old-%d", i)),
			Initiated: ago(3 * time.Hour),
		})
	}
	client := &fakeS3{
		uploadPages: [][]types.MultipartUpload{
			oldPage,
			{{Key: aws.String("nightly/big.tar"), UploadId: aws.String("live"), Initiated: ago(2 * time.Hour)}},
		},
		parts: map[string][]types.Part{
			"live": {{PartNumber: aws.Int32(7), LastModified: ago(3 * time.Second)}},
		},
	}

	_, found, err := NewS3Probe(client).LastChange(context.Background(), s3Item, time.Minute)

	require.NoError(t, err)
	assert.True(t, found, "an upload on the second page must be checked")
	assert.Equal(t, 2, client.uploadCalls)
}

func TestS3Probe_UploadPagesExhausted(t *testing.T) {
	client := &fakeS3{
		uploadPages: [][]types.MultipartUpload{
			{{Key: aws.String("nightly/a.tar"), UploadId: aws.String("a"), Initiated: ago(3 * time.Hour)}},
			{{Key: aws.String("nightly/b.tar"), UploadId: aws.String("b"), Initiated: ago(2 * time.Hour)}},
			{},
		},
	}

	_, found, err := NewS3Probe(client).LastChange(context.Background(), s3Item, time.Minute)

	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 3, client.uploadCalls)
	assert.Equal(t, 2, client.partsCalls)
}
