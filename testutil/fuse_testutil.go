// Package testutil mounts FUSE trees in-process for tests.
package testutil

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// InProcessFUSEServer is a FUSE tree mounted by the test process itself.
type InProcessFUSEServer struct {
	Server     *fuse.Server
	MountPoint string
	errors     []error
	errorsMu   sync.Mutex
}

// InProcessFUSEConfig holds configuration for starting an in-process FUSE server
type InProcessFUSEConfig struct {
	MountPoint string
	Debug      bool
	Timeout    time.Duration
	CreateFS   func() (fs.InodeEmbedder, error)
}

// FUSEAvailable reports whether this machine can mount FUSE file systems.
func FUSEAvailable() bool {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		return false
	}
	for _, p := range []string{"/usr/bin/fusermount3", "/usr/bin/fusermount", "/bin/fusermount"} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// SkipIfNoFUSE skips tb when FUSE mounts are unavailable.
func SkipIfNoFUSE(tb testing.TB) {
	tb.Helper()
	if !FUSEAvailable() {
		tb.Skip("FUSE not available, skipping FUSE test")
	}
}

// StartInProcessFUSE mounts the tree returned by config.CreateFS. Kernel
// caching is disabled so tests observe every change.
func StartInProcessFUSE(config *InProcessFUSEConfig) (*InProcessFUSEServer, error) {
	if config.MountPoint == "" {
		return nil, fmt.Errorf("mount point is required")
	}
	if config.CreateFS == nil {
		return nil, fmt.Errorf("CreateFS function is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	rootFS, err := config.CreateFS()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem: %w", err)
	}

	opts := &fs.Options{}
	opts.Debug = config.Debug
	entryTimeout := time.Duration(0)
	attrTimeout := time.Duration(0)
	negativeTimeout := time.Duration(0)
	opts.EntryTimeout = &entryTimeout
	opts.AttrTimeout = &attrTimeout
	opts.NegativeTimeout = &negativeTimeout

	fssrv, err := fs.Mount(config.MountPoint, rootFS, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to mount FUSE filesystem: %w", err)
	}

	server := &InProcessFUSEServer{
		Server:     fssrv,
		MountPoint: config.MountPoint,
	}
	if err := server.waitForMount(config.Timeout); err != nil {
		server.Stop()
		return nil, fmt.Errorf("FUSE mount failed to become ready: %w", err)
	}
	return server, nil
}

// waitForMount polls the mount point until the kernel answers for it.
func (s *InProcessFUSEServer) waitForMount(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(s.MountPoint); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for FUSE mount at %s", s.MountPoint)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Stop unmounts the tree. Unmount failures are recorded, not returned.
func (s *InProcessFUSEServer) Stop() error {
	if s.Server != nil {
		if err := s.Server.Unmount(); err != nil {
			s.recordError(fmt.Errorf("failed to unmount FUSE filesystem: %w", err))
		}
	}
	return nil
}

func (s *InProcessFUSEServer) recordError(err error) {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()
	s.errors = append(s.errors, err)
}

// GetErrors returns all collected errors
func (s *InProcessFUSEServer) GetErrors() []error {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()
	errorsCopy := make([]error, len(s.errors))
	copy(errorsCopy, s.errors)
	return errorsCopy
}

// HasErrors returns true if any errors have been collected
func (s *InProcessFUSEServer) HasErrors() bool {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()
	return len(s.errors) > 0
}

// Mount starts an in-process server at a fresh temporary directory and
// stops it when tb finishes. tb is skipped if FUSE is unavailable.
func Mount(tb testing.TB, root fs.InodeEmbedder) string {
	tb.Helper()
	SkipIfNoFUSE(tb)
	dir := tb.TempDir()
	server, err := StartInProcessFUSE(&InProcessFUSEConfig{
		MountPoint: dir,
		CreateFS:   func() (fs.InodeEmbedder, error) { return root, nil },
	})
	if err != nil {
		tb.Fatalf("mount failed: %v", err)
	}
	tb.Cleanup(func() { server.Stop() })
	return dir
}
