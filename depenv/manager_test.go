package depenv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/rubybox/config"
	"github.com/isdmx/rubybox/toolcall"
)

// MockInstaller implements Installer for testing
type MockInstaller struct {
	mu       sync.Mutex
	calls    [][]string
	homes    []string
	err      error
	delay    time.Duration
	active   atomic.Int32
	maxSeen  atomic.Int32
	installs func(env *Environment, gems []string) error
}

func (m *MockInstaller) Install(ctx context.Context, env *Environment, gems []string) error {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		prev := m.maxSeen.Load()
		if n <= prev || m.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, gems)
	m.homes = append(m.homes, env.GemHome)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.installs != nil {
		return m.installs(env, gems)
	}
	return m.err
}

func noLock(context.Context, string) (func(), error) {
	return func() {}, nil
}

func TestPrepareIsolated(t *testing.T) {
	fs := afero.NewMemMapFs()
	installer := &MockInstaller{}
	m := NewManager(zaptest.NewLogger(t), Config{Isolated: true, TempRoot: "/tmp"},
		WithFileSystem(fs), WithInstaller(installer))

	env, release, err := m.Prepare(context.Background(), []string{"rake"})
	require.NoError(t, err)
	require.NotNil(t, release)

	assert.True(t, env.Isolated)
	assert.True(t, strings.HasPrefix(filepath.Base(env.Root), TempDirPrefix))
	assert.Equal(t, filepath.Join(env.Root, WorkDirName), env.WorkDir)
	assert.Equal(t, filepath.Join(env.Root, GemDirName), env.GemHome)

	for _, dir := range []string{env.WorkDir, env.GemHome} {
		exists, statErr := afero.DirExists(fs, dir)
		require.NoError(t, statErr)
		assert.True(t, exists, dir)
	}
	assert.Equal(t, [][]string{{"rake"}}, installer.calls)

	release()
	exists, err := afero.DirExists(fs, env.Root)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPrepareIsolatedDistinctEnvironments(t *testing.T) {
	fs := afero.NewMemMapFs()
	installer := &MockInstaller{}
	m := NewManager(zaptest.NewLogger(t), Config{Isolated: true, TempRoot: "/tmp"},
		WithFileSystem(fs), WithInstaller(installer))

	var wg sync.WaitGroup
	envs := make([]*Environment, 2)
	releases := make([]func(), 2)
	for i, gems := range [][]string{{"rack:2.2.8"}, {"rack:3.0.8"}} {
		wg.Add(1)
		go func(i int, gems []string) {
			defer wg.Done()
			env, release, err := m.Prepare(context.Background(), gems)
			assert.NoError(t, err)
			envs[i], releases[i] = env, release
		}(i, gems)
	}
	wg.Wait()

	require.NotNil(t, envs[0])
	require.NotNil(t, envs[1])
	assert.NotEqual(t, envs[0].GemHome, envs[1].GemHome)

	for i := range releases {
		releases[i]()
		exists, err := afero.DirExists(fs, envs[i].Root)
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func TestPrepareIsolatedInstallFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	var root string
	installer := &MockInstaller{
		installs: func(env *Environment, _ []string) error {
			root = env.Root
			return &InstallError{ExitCode: 2, Stderr: "ERROR:  Could not find a valid gem 'nope'"}
		},
	}
	m := NewManager(zaptest.NewLogger(t), Config{Isolated: true, TempRoot: "/tmp"},
		WithFileSystem(fs), WithInstaller(installer))

	env, release, err := m.Prepare(context.Background(), []string{"nope"})
	require.Error(t, err)
	assert.Nil(t, env)
	assert.Nil(t, release)
	assert.True(t, errors.Is(err, toolcall.ErrDependency))

	var installErr *InstallError
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "Dependency install failed:\nERROR:  Could not find a valid gem 'nope'", installErr.Report())

	exists, statErr := afero.DirExists(fs, root)
	require.NoError(t, statErr)
	assert.False(t, exists, "temp dir must be removed after a failed install")
}

func TestPrepareNoGemsSkipsInstaller(t *testing.T) {
	installer := &MockInstaller{}
	m := NewManager(zaptest.NewLogger(t), Config{Isolated: true},
		WithFileSystem(afero.NewMemMapFs()), WithInstaller(installer))

	_, release, err := m.Prepare(context.Background(), nil)
	require.NoError(t, err)
	release()
	assert.Empty(t, installer.calls)
}

func TestPrepareInvalidGemSpec(t *testing.T) {
	installer := &MockInstaller{}
	m := NewManager(zaptest.NewLogger(t), Config{Isolated: true},
		WithFileSystem(afero.NewMemMapFs()), WithInstaller(installer))

	for _, spec := range []string{"--source=http://evil", "-v", "rake; rm -rf /", "", "a b"} {
		t.Run(spec, func(t *testing.T) {
			_, _, err := m.Prepare(context.Background(), []string{"rake", spec})
			require.Error(t, err)
			assert.True(t, errors.Is(err, toolcall.ErrDependency))
		})
	}
	assert.Empty(t, installer.calls)
}

func TestPrepareInstallTimeout(t *testing.T) {
	installer := &MockInstaller{delay: time.Second}
	m := NewManager(zaptest.NewLogger(t), Config{Isolated: true, InstallTimeout: 50 * time.Millisecond},
		WithFileSystem(afero.NewMemMapFs()), WithInstaller(installer))

	_, _, err := m.Prepare(context.Background(), []string{"rake"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolcall.ErrDependency))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPrepareShared(t *testing.T) {
	dir := t.TempDir()
	gemHome := filepath.Join(dir, "gems")
	installer := &MockInstaller{delay: 20 * time.Millisecond}
	m := NewManager(zaptest.NewLogger(t), Config{SharedGemHome: gemHome, SharedWorkDir: dir},
		WithInstaller(installer))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, release, err := m.Prepare(context.Background(), []string{"rake", "json"})
			if assert.NoError(t, err) {
				assert.False(t, env.Isolated)
				assert.Equal(t, gemHome, env.GemHome)
				assert.Equal(t, dir, env.WorkDir)
				release()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, installer.calls, 5)
	assert.Equal(t, int32(1), installer.maxSeen.Load(), "shared installs must be serialized")

	_, err := os.Stat(filepath.Join(gemHome, InstallLockName))
	require.NoError(t, err, "cross-process lock file is created in the shared gem home")

	// release is a no-op: the shared store persists
	_, err = os.Stat(gemHome)
	require.NoError(t, err)
}

func TestPrepareSharedLockFailure(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), Config{SharedGemHome: "/gems", SharedWorkDir: "/"},
		WithFileSystem(afero.NewMemMapFs()),
		WithInstaller(&MockInstaller{}),
		WithInstallLock(func(context.Context, string) (func(), error) { return nil, errors.New("locked out") }))

	_, _, err := m.Prepare(context.Background(), []string{"rake"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to lock shared gem home")

	// no gems, no lock needed
	m = NewManager(zaptest.NewLogger(t), Config{SharedGemHome: "/gems", SharedWorkDir: "/"},
		WithFileSystem(afero.NewMemMapFs()),
		WithInstaller(&MockInstaller{}),
		WithInstallLock(noLock))
	_, release, err := m.Prepare(context.Background(), nil)
	require.NoError(t, err)
	release()
}

func TestPrepareSharedCancelledWhileWaiting(t *testing.T) {
	dir := t.TempDir()
	installer := &MockInstaller{delay: 2 * time.Second}
	m := NewManager(zaptest.NewLogger(t), Config{SharedGemHome: filepath.Join(dir, "gems"), SharedWorkDir: dir},
		WithInstaller(installer))

	first := make(chan error, 1)
	go func() {
		_, release, err := m.Prepare(context.Background(), []string{"rake"})
		if err == nil {
			release()
		}
		first <- err
	}()
	require.Eventually(t, func() bool { return installer.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := m.Prepare(ctx, []string{"json"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, toolcall.ErrDependency))
	assert.Less(t, time.Since(start), time.Second, "waiting for the shared store must stop when the request ends")

	require.NoError(t, <-first)
	assert.Len(t, installer.calls, 1)
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Sandbox: config.SandboxConfig{
		UseTempDir:        true,
		GemPath:           "gem",
		InstallTimeoutSec: 30,
		SharedGemHome:     filepath.Join(dir, "gems"),
		SharedWorkDir:     dir,
	}}

	m, err := NewFromConfig(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, m.Isolated())
	assert.Equal(t, 30*time.Second, m.config.InstallTimeout)
	assert.Equal(t, filepath.Join(dir, "gems"), m.config.SharedGemHome)

	cfg.Sandbox.SharedGemHome = ""
	cfg.Sandbox.SharedWorkDir = ""
	m, err = NewFromConfig(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, GemDirName, filepath.Base(m.config.SharedGemHome))
	assert.NotEmpty(t, m.config.SharedWorkDir)
}
