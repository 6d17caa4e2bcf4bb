package dest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/copywatch/internal/activity"
)

func TestParseItem(t *testing.T) {
	abs, err := filepath.Abs("out")
	require.NoError(t, err)

	tests := []struct {
		raw     string
		want    activity.Item
		wantErr bool
	}{
		{raw: "/data/out", want: activity.Item{Store: StoreLocal, Key: "/data/out"}},
		{raw: "out", want: activity.Item{Store: StoreLocal, Key: abs}},
		{raw: "file:///data/out", want: activity.Item{Store: StoreLocal, Key: "/data/out"}},
		{raw: "s3://backups/2026/10", want: activity.Item{Store: StoreS3, Key: "backups/2026/10"}},
		{raw: "s3://backups", want: activity.Item{Store: StoreS3, Key: "backups"}},
		{raw: "container://3f2a/var/lib/data", want: activity.Item{Store: StoreContainer, Key: "3f2a/var/lib/data"}},
		{raw: "", wantErr: true},
		{raw: "s3://", wantErr: true},
		{raw: "container://3f2a", wantErr: true},
		{raw: "ftp://host/path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseItem(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseItem_UnsupportedScheme(t *testing.T) {
	_, err := ParseItem("gs://bucket/prefix")
	assert.True(t, errors.Is(err, ErrUnsupportedStore))
}

func TestSplitContainerKey(t *testing.T) {
	id, path := splitContainerKey("3f2a/var/lib/data")
	assert.Equal(t, "3f2a", id)
	assert.Equal(t, "/var/lib/data", path)
}

func TestNewProbe_Local(t *testing.T) {
	p, err := NewProbe(context.Background(), activity.Item{Store: StoreLocal, Key: t.TempDir()}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &LocalProbe{}, p)
}

func TestNewProbe_Unsupported(t *testing.T) {
	_, err := NewProbe(context.Background(), activity.Item{Store: "ftp", Key: "x"}, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedStore)
}
