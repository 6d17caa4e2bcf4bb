// Package dest provides last-change probes for the destination stores a copy
// can write into: a local or network-mounted filesystem, an S3 prefix, or a
// path inside a Docker container.
package dest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/majorcontext/copywatch/internal/activity"
	"github.com/majorcontext/copywatch/internal/docker"
)

// Store kinds.
const (
	StoreLocal     = "local"
	StoreS3        = "s3"
	StoreContainer = "container"
)

// ErrUnsupportedStore is returned for destination URLs with an unknown scheme.
var ErrUnsupportedStore = errors.New("unsupported destination store")

// ParseItem parses a destination argument.
//
//	/data/out, ./out, file:///data/out  local path
//	s3://bucket/prefix                   S3 prefix
//	container://<id>/<path>              path inside a container
func ParseItem(raw string) (activity.Item, error) {
	if raw == "" {
		return activity.Item{}, errors.New("destination is required")
	}

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return localItem(raw)
	}

	switch scheme {
	case "file":
		return localItem(rest)
	case StoreS3:
		bucket, _, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return activity.Item{}, fmt.Errorf("s3 destination %q has no bucket", raw)
		}
		return activity.Item{Store: StoreS3, Key: rest}, nil
	case StoreContainer:
		id, path, _ := strings.Cut(rest, "/")
		if id == "" || path == "" {
			return activity.Item{}, fmt.Errorf("container destination %q must be container://<id>/<path>", raw)
		}
		return activity.Item{Store: StoreContainer, Key: rest}, nil
	default:
		return activity.Item{}, fmt.Errorf("%w: %q", ErrUnsupportedStore, scheme)
	}
}

func localItem(path string) (activity.Item, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return activity.Item{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	return activity.Item{Store: StoreLocal, Key: abs}, nil
}

// splitContainerKey splits "<id>/<path>" into the container ID and an absolute path.
func splitContainerKey(key string) (id, path string) {
	id, path, _ = strings.Cut(key, "/")
	return id, "/" + path
}

// Options configures probe construction.
type Options struct {
	// Excludes are gitignore-style patterns ignored by the local probe.
	Excludes []string
	// AWSRegion overrides the region from the AWS environment for S3.
	AWSRegion string
}

// NewProbe builds the probe for item's store. Probes that hold connections
// implement io.Closer.
func NewProbe(ctx context.Context, item activity.Item, opts Options) (activity.Probe, error) {
	switch item.Store {
	case StoreLocal:
		return NewLocalProbe(opts.Excludes), nil
	case StoreS3:
		client, err := NewS3Client(ctx, opts.AWSRegion)
		if err != nil {
			return nil, err
		}
		return NewS3Probe(client), nil
	case StoreContainer:
		client, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		return NewContainerProbe(client), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStore, item.Store)
	}
}
