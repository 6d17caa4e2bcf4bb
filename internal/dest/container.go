package dest

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/dustin/go-humanize"

	"github.com/majorcontext/copywatch/internal/activity"
	"github.com/majorcontext/copywatch/internal/docker"
	"github.com/majorcontext/copywatch/internal/log"
)

// ContainerAPI is the subset of the Docker wrapper used by ContainerProbe.
type ContainerAPI interface {
	StatPath(ctx context.Context, containerID, path string) (container.PathStat, error)
	CopyFrom(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	Exec(ctx context.Context, containerID string, cmd []string) (docker.ExecResult, error)
	Close() error
}

// defaultArchiveLimit bounds how much of a directory archive is read when
// the container has no find.
const defaultArchiveLimit = 64 << 20

// ContainerProbe reads modification times inside a container through the
// Docker API. It runs find in the container so only metadata crosses the
// API; containers without find fall back to reading the path's archive.
type ContainerProbe struct {
	api          ContainerAPI
	now          func() time.Time
	archiveLimit int64
	noFind       atomic.Bool
}

// NewContainerProbe creates a probe using api.
func NewContainerProbe(api ContainerAPI) *ContainerProbe {
	return &ContainerProbe{api: api, now: time.Now, archiveLimit: defaultArchiveLimit}
}

// Close releases the Docker client.
func (p *ContainerProbe) Close() error {
	return p.api.Close()
}

// LastChange checks the path itself first; a directory whose own mtime is
// recent needs no scan. A missing container or path has no recent activity.
func (p *ContainerProbe) LastChange(ctx context.Context, item activity.Item, threshold time.Duration) (time.Time, bool, error) {
	id, path := splitContainerKey(item.Key)
	cutoff := p.now().Add(-threshold)

	st, err := p.api.StatPath(ctx, id, path)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if st.Mtime.After(cutoff) || !st.Mode.IsDir() {
		return st.Mtime, st.Mtime.After(cutoff), nil
	}

	if !p.noFind.Load() {
		changed, found, ok := p.findNewer(ctx, id, path, cutoff)
		if ok {
			if !found {
				return st.Mtime, false, nil
			}
			return changed, true, nil
		}
	}
	return p.scanArchive(ctx, id, path, cutoff, st.Mtime)
}

// findNewer runs find inside the container and reports the modification time
// of the first entry newer than cutoff. ok is false when find could not give
// an answer and the archive must be read instead.
func (p *ContainerProbe) findNewer(ctx context.Context, id, path string, cutoff time.Time) (changed time.Time, found, ok bool) {
	cmd := []string{"find", path, "-newermt", "@" + strconv.FormatInt(cutoff.Unix(), 10), "-print", "-quit"}
	res, err := p.api.Exec(ctx, id, cmd)
	if err != nil {
		log.Debug("find in container failed, reading archive", "container", id, "error", err)
		return time.Time{}, false, false
	}

	first, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	if first != "" {
		// find exits non-zero on unreadable subdirectories even when it printed a match.
		st, err := p.api.StatPath(ctx, id, first)
		if err != nil {
			return p.now(), true, true
		}
		return st.Mtime, true, true
	}

	switch {
	case res.ExitCode == 0:
		return time.Time{}, false, true
	case res.ExitCode == 126 || res.ExitCode == 127 || strings.Contains(res.Stderr, "-newermt"):
		// No find, or one without -newermt such as BusyBox's.
		p.noFind.Store(true)
		log.Debug("no usable find in container, reading archives from now on",
			"container", id, "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
	default:
		log.Debug("find in container gave no answer, reading archive",
			"container", id, "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
	}
	return time.Time{}, false, false
}

// scanArchive reads tar headers of the archived path until it finds an entry
// newer than cutoff. tar skips file bodies by reading them, so the scan gives
// up once archiveLimit bytes have been read.
func (p *ContainerProbe) scanArchive(ctx context.Context, id, path string, cutoff, newest time.Time) (time.Time, bool, error) {
	rc, err := p.api.CopyFrom(ctx, id, path)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	defer rc.Close()

	counted := &countingReader{r: io.LimitReader(rc, p.archiveLimit)}
	tr := tar.NewReader(counted)
	for {
		if err := ctx.Err(); err != nil {
			return time.Time{}, false, err
		}
		hdr, err := tr.Next()
		if err != nil && counted.n >= p.archiveLimit {
			return time.Time{}, false, fmt.Errorf("archive of %s has no recent entry in its first %s and find was unavailable",
				path, humanize.IBytes(uint64(p.archiveLimit)))
		}
		if errors.Is(err, io.EOF) {
			return newest, false, nil
		}
		if err != nil {
			return time.Time{}, false, fmt.Errorf("reading archive of %s: %w", path, err)
		}
		if hdr.ModTime.After(newest) {
			newest = hdr.ModTime
		}
		if hdr.ModTime.After(cutoff) {
			return newest, true, nil
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}
