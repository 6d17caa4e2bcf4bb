package dest

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"

	"github.com/majorcontext/copywatch/internal/activity"
	"github.com/majorcontext/copywatch/internal/docker"
)

type fakeContainer struct {
	stat      container.PathStat
	statErr   error
	pathStats map[string]container.PathStat
	entries   map[string]time.Time
	// archive, when set, replaces entries as the CopyFrom stream.
	archive   func() io.ReadCloser
	exec      func(cmd []string) (docker.ExecResult, error)
	execCalls int
	lastCmd   []string
	copied    bool
	closed    bool
}

func (f *fakeContainer) StatPath(_ context.Context, _ string, path string) (container.PathStat, error) {
	if st, ok := f.pathStats[path]; ok {
		return st, nil
	}
	return f.stat, f.statErr
}

// Exec behaves like a container without find unless exec is set.
func (f *fakeContainer) Exec(_ context.Context, _ string, cmd []string) (docker.ExecResult, error) {
	f.execCalls++
	f.lastCmd = cmd
	if f.exec == nil {
		return docker.ExecResult{ExitCode: 127, Stderr: "find: not found"}, nil
	}
	return f.exec(cmd)
}

func (f *fakeContainer) CopyFrom(context.Context, string, string) (io.ReadCloser, error) {
	f.copied = true
	if f.archive != nil {
		return f.archive(), nil
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, mt := range f.entries {
		body := []byte("payload")
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), ModTime: mt}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(body); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeContainer) Close() error {
	f.closed = true
	return nil
}

var containerItem = activity.Item{Store: StoreContainer, Key: "3f2a/data"}

func TestContainerProbe_RecentDirMtimeSkipsScan(t *testing.T) {
	api := &fakeContainer{stat: container.PathStat{Name: "data", Mode: os.ModeDir | 0755, Mtime: time.Now()}}

	_, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil {
		t.Fatalf("LastChange: %v", err)
	}
	if !found {
		t.Error("recent directory mtime should count as activity")
	}
	if api.copied {
		t.Error("archive should not be read when the directory itself is recent")
	}
}

func TestContainerProbe_ScansArchive(t *testing.T) {
	api := &fakeContainer{
		stat: container.PathStat{Name: "data", Mode: os.ModeDir | 0755, Mtime: time.Now().Add(-time.Hour)},
		entries: map[string]time.Time{
			"data/old": time.Now().Add(-time.Hour),
			"data/new": time.Now().Add(-5 * time.Second),
		},
	}

	_, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil {
		t.Fatalf("LastChange: %v", err)
	}
	if !found {
		t.Error("recent entry in the archive should be found")
	}
}

func TestContainerProbe_NothingRecent(t *testing.T) {
	api := &fakeContainer{
		stat:    container.PathStat{Name: "data", Mode: os.ModeDir | 0755, Mtime: time.Now().Add(-time.Hour)},
		entries: map[string]time.Time{"data/old": time.Now().Add(-2 * time.Hour)},
	}

	_, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil {
		t.Fatalf("LastChange: %v", err)
	}
	if found {
		t.Error("no entry is newer than the threshold")
	}
}

func TestContainerProbe_RegularFile(t *testing.T) {
	api := &fakeContainer{stat: container.PathStat{Name: "data", Mode: 0644, Mtime: time.Now().Add(-time.Hour)}}

	_, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil || found {
		t.Fatalf("LastChange = found %v, err %v; want not found", found, err)
	}
	if api.copied {
		t.Error("a regular file needs no archive scan")
	}
}

func TestContainerProbe_NotFound(t *testing.T) {
	api := &fakeContainer{statErr: fmt.Errorf("stat: %w", errdefs.ErrNotFound)}

	_, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil {
		t.Fatalf("missing path should not be an error, got %v", err)
	}
	if found {
		t.Error("missing path has no recent activity")
	}
}

func TestContainerProbe_OtherErrorsPropagate(t *testing.T) {
	api := &fakeContainer{statErr: fmt.Errorf("daemon unreachable")}

	if _, _, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute); err == nil {
		t.Fatal("expected error")
	}
}

func TestContainerProbe_Close(t *testing.T) {
	api := &fakeContainer{}
	if err := NewContainerProbe(api).Close(); err != nil {
		t.Fatal(err)
	}
	if !api.closed {
		t.Error("Close should close the docker client")
	}
}

func oldDir() container.PathStat {
	return container.PathStat{Name: "data", Mode: os.ModeDir | 0755, Mtime: time.Now().Add(-time.Hour)}
}

type zeros struct{}

func (zeros) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}

type countedPipe struct {
	*io.PipeReader
	n *atomic.Int64
}

func (c countedPipe) Read(b []byte) (int, error) {
	n, err := c.PipeReader.Read(b)
	c.n.Add(int64(n))
	return n, err
}

// bigOldThenRecent streams an archive holding one large old file followed by
// a file written just now, counting the bytes the reader pulls.
func bigOldThenRecent(size int64, read *atomic.Int64) func() io.ReadCloser {
	return func() io.ReadCloser {
		pr, pw := io.Pipe()
		go func() {
			tw := tar.NewWriter(pw)
			err := tw.WriteHeader(&tar.Header{Name: "data/old.img", Mode: 0644, Size: size, ModTime: time.Now().Add(-time.Hour)})
			if err == nil {
				_, err = io.CopyN(tw, zeros{}, size)
			}
			if err == nil {
				err = tw.WriteHeader(&tar.Header{Name: "data/current.part", Mode: 0644, ModTime: time.Now()})
			}
			if err == nil {
				err = tw.Close()
			}
			pw.CloseWithError(err)
		}()
		return countedPipe{PipeReader: pr, n: read}
	}
}

func TestContainerProbe_FindReportsRecentEntry(t *testing.T) {
	recent := time.Now().Add(-3 * time.Second)
	api := &fakeContainer{
		stat:      oldDir(),
		pathStats: map[string]container.PathStat{"/data/current.part": {Name: "current.part", Mode: 0644, Mtime: recent}},
		exec: func([]string) (docker.ExecResult, error) {
			return docker.ExecResult{Stdout: "/data/current.part\n"}, nil
		},
	}

	changed, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil {
		t.Fatalf("LastChange: %v", err)
	}
	if !found {
		t.Fatal("entry reported by find should count as activity")
	}
	if !changed.Equal(recent) {
		t.Errorf("changed = %s, want the mtime of the entry find reported (%s)", changed, recent)
	}
	if api.copied {
		t.Error("archive should not be read when find answers")
	}
	cmd := strings.Join(api.lastCmd, " ")
	if !strings.HasPrefix(cmd, "find /data -newermt @") || !strings.HasSuffix(cmd, "-print -quit") {
		t.Errorf("unexpected find command %q", cmd)
	}
}

func TestContainerProbe_FindReportsNothing(t *testing.T) {
	api := &fakeContainer{
		stat: oldDir(),
		exec: func([]string) (docker.ExecResult, error) { return docker.ExecResult{}, nil },
	}

	_, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil || found {
		t.Fatalf("LastChange = found %v, err %v; want not found", found, err)
	}
	if api.copied {
		t.Error("archive should not be read when find answers")
	}
}

func TestContainerProbe_FindMatchDespiteUnreadableDirs(t *testing.T) {
	api := &fakeContainer{
		stat: oldDir(),
		exec: func([]string) (docker.ExecResult, error) {
			return docker.ExecResult{Stdout: "/data/new\n", Stderr: "find: /data/locked: Permission denied", ExitCode: 1}, nil
		},
	}

	_, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil || !found {
		t.Fatalf("LastChange = found %v, err %v; want found", found, err)
	}
	if api.copied {
		t.Error("a printed match is an answer even when find exits non-zero")
	}
}

func TestContainerProbe_LargeOldFileNotDownloaded(t *testing.T) {
	var read atomic.Int64
	api := &fakeContainer{
		stat:    oldDir(),
		archive: bigOldThenRecent(64<<20, &read),
		exec: func([]string) (docker.ExecResult, error) {
			return docker.ExecResult{Stdout: "/data/current.part\n"}, nil
		},
	}

	_, found, err := NewContainerProbe(api).LastChange(context.Background(), containerItem, time.Minute)
	if err != nil || !found {
		t.Fatalf("LastChange = found %v, err %v; want found", found, err)
	}
	if api.copied || read.Load() != 0 {
		t.Errorf("read %d archive bytes; find should make the archive unnecessary", read.Load())
	}
}

func TestContainerProbe_ArchiveFallbackIsBounded(t *testing.T) {
	var read atomic.Int64
	api := &fakeContainer{stat: oldDir(), archive: bigOldThenRecent(16<<20, &read)}
	probe := NewContainerProbe(api)
	probe.archiveLimit = 1 << 20

	_, _, err := probe.LastChange(context.Background(), containerItem, time.Minute)
	if err == nil {
		t.Fatal("expected an error once the archive limit is reached")
	}
	if !strings.Contains(err.Error(), "1.0 MiB") {
		t.Errorf("error should name the limit, got %v", err)
	}
	if n := read.Load(); n > probe.archiveLimit {
		t.Errorf("read %d bytes, want at most %d", n, probe.archiveLimit)
	}
}

func TestContainerProbe_NoFindRemembered(t *testing.T) {
	api := &fakeContainer{
		stat:    oldDir(),
		entries: map[string]time.Time{"data/new": time.Now()},
	}
	probe := NewContainerProbe(api)

	for i := 0; i < 3; i++ {
		_, found, err := probe.LastChange(context.Background(), containerItem, time.Minute)
		if err != nil || !found {
			t.Fatalf("poll %d: found %v, err %v; want found from the archive", i, found, err)
		}
	}
	if api.execCalls != 1 {
		t.Errorf("exec called %d times; a missing find should be remembered", api.execCalls)
	}
}

func TestContainerProbe_ExecErrorFallsBackOnce(t *testing.T) {
	api := &fakeContainer{
		stat:    oldDir(),
		entries: map[string]time.Time{"data/new": time.Now()},
		exec: func([]string) (docker.ExecResult, error) {
			return docker.ExecResult{}, errors.New("container is restarting")
		},
	}
	probe := NewContainerProbe(api)

	for i := 0; i < 2; i++ {
		if _, found, err := probe.LastChange(context.Background(), containerItem, time.Minute); err != nil || !found {
			t.Fatalf("poll %d: found %v, err %v; want found from the archive", i, found, err)
		}
	}
	if api.execCalls != 2 {
		t.Errorf("exec called %d times; a transient exec error should not disable find", api.execCalls)
	}
}

func TestContainerProbe_FindWithoutNewermtRemembered(t *testing.T) {
	api := &fakeContainer{
		stat:    oldDir(),
		entries: map[string]time.Time{"data/new": time.Now()},
		exec: func([]string) (docker.ExecResult, error) {
			return docker.ExecResult{ExitCode: 1, Stderr: "find: unrecognized: -newermt"}, nil
		},
	}
	probe := NewContainerProbe(api)

	for i := 0; i < 2; i++ {
		if _, found, err := probe.LastChange(context.Background(), containerItem, time.Minute); err != nil || !found {
			t.Fatalf("poll %d: found %v, err %v; want found from the archive", i, found, err)
		}
	}
	if api.execCalls != 1 {
		t.Errorf("exec called %d times; a find without -newermt should be remembered", api.execCalls)
	}
}
