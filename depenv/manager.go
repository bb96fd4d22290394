package depenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/rubybox/config"
)

// Directory layout constants
const (
	DirPermission   = 0o755
	TempDirPrefix   = "rubybox-"
	WorkDirName     = "work"
	GemDirName      = ".gem"
	InstallLockName = ".rubybox-install.lock"
)

// Config holds configuration for the Manager
type Config struct {
	Isolated       bool
	TempRoot       string
	SharedGemHome  string
	SharedWorkDir  string
	InstallTimeout time.Duration
}

// Manager prepares isolated or shared gem environments
type Manager struct {
	logger    *zap.Logger
	config    Config
	fs        afero.Fs
	installer Installer
	lock      LockFunc

	// serializes installs into the shared gem root
	installSem *semaphore.Weighted
}

// LockFunc takes an exclusive lock on path, giving up when ctx ends. The
// returned function releases it.
type LockFunc func(ctx context.Context, path string) (func(), error)

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithFileSystem sets the filesystem environments are created on
func WithFileSystem(fs afero.Fs) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithInstaller sets the Installer used for requested gems
func WithInstaller(installer Installer) ManagerOption {
	return func(m *Manager) {
		m.installer = installer
	}
}

// WithInstallLock replaces the cross-process lock taken around shared installs
func WithInstallLock(lock LockFunc) ManagerOption {
	return func(m *Manager) {
		m.lock = lock
	}
}

// NewManager creates a new Manager with default implementations and optional interfaces
func NewManager(logger *zap.Logger, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:    logger,
		config:    config,
		fs:        afero.NewOsFs(),
		installer: NewGemInstaller("gem", RealCommandRunner{WaitDelay: 5 * time.Second}, HostEnviron),
		lock:      acquireInstallLock,

		installSem: semaphore.NewWeighted(1),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// NewFromConfig creates a Manager from the sandbox configuration, resolving
// the shared gem root (~/.gem) and working directory (process cwd) defaults.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	gemHome := cfg.Sandbox.SharedGemHome
	if gemHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		gemHome = filepath.Join(home, GemDirName)
	}

	workDir := cfg.Sandbox.SharedWorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		workDir = wd
	}

	installer := NewGemInstaller(cfg.Sandbox.GemPath, RealCommandRunner{WaitDelay: 5 * time.Second}, HostEnviron)

	return NewManager(logger, Config{
		Isolated:       cfg.Sandbox.UseTempDir,
		TempRoot:       cfg.Sandbox.TempRoot,
		SharedGemHome:  gemHome,
		SharedWorkDir:  workDir,
		InstallTimeout: cfg.GetInstallTimeout(),
	}, WithInstaller(installer)), nil
}

// Isolated reports whether environments are per-invocation
func (m *Manager) Isolated() bool {
	return m.config.Isolated
}

// Prepare returns the environment for one invocation with the requested gems
// installed. The returned release function must be called once the invocation
// is finished; in isolated mode it removes the environment. On error nothing
// needs releasing, and an install failure matches toolcall.ErrDependency.
func (m *Manager) Prepare(ctx context.Context, gems []string) (*Environment, func(), error) {
	if err := ValidateGemSpecs(gems); err != nil {
		return nil, nil, err
	}

	if m.config.Isolated {
		return m.prepareIsolated(ctx, gems)
	}
	return m.prepareShared(ctx, gems)
}

func (m *Manager) prepareIsolated(ctx context.Context, gems []string) (*Environment, func(), error) {
	root, err := afero.TempDir(m.fs, m.config.TempRoot, TempDirPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	release := func() {
		if rmErr := m.fs.RemoveAll(root); rmErr != nil {
			m.logger.Error("failed to remove temp directory", zap.String("path", root), zap.Error(rmErr))
		}
	}

	env := &Environment{
		Root:     root,
		WorkDir:  filepath.Join(root, WorkDirName),
		GemHome:  filepath.Join(root, GemDirName),
		Isolated: true,
	}

	for _, dir := range []string{env.WorkDir, env.GemHome} {
		if mkdirErr := m.fs.MkdirAll(dir, DirPermission); mkdirErr != nil {
			release()
			return nil, nil, fmt.Errorf("failed to create %s: %w", dir, mkdirErr)
		}
	}

	if installErr := m.install(ctx, env, gems); installErr != nil {
		release()
		return nil, nil, installErr
	}

	return env, release, nil
}

func (m *Manager) prepareShared(ctx context.Context, gems []string) (*Environment, func(), error) {
	env := &Environment{
		WorkDir: m.config.SharedWorkDir,
		GemHome: m.config.SharedGemHome,
	}

	if err := m.fs.MkdirAll(env.GemHome, DirPermission); err != nil {
		return nil, nil, fmt.Errorf("failed to create shared gem home: %w", err)
	}

	if len(gems) > 0 {
		// TODO: lock per gem name instead of the whole store once installs
		// become a measured bottleneck.
		if err := m.installSem.Acquire(ctx, 1); err != nil {
			return nil, nil, fmt.Errorf("waiting for shared gem home: %w", err)
		}
		defer m.installSem.Release(1)

		unlock, err := m.lock(ctx, filepath.Join(env.GemHome, InstallLockName))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to lock shared gem home: %w", err)
		}
		defer unlock()

		if err := m.install(ctx, env, gems); err != nil {
			return nil, nil, err
		}
	}

	return env, func() {}, nil
}

func (m *Manager) install(ctx context.Context, env *Environment, gems []string) error {
	if len(gems) == 0 {
		return nil
	}

	if m.config.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.InstallTimeout)
		defer cancel()
	}

	start := time.Now()
	m.logger.Info("installing gems",
		zap.Strings("gems", gems),
		zap.String("gem_home", env.GemHome),
		zap.Bool("isolated", env.Isolated))

	err := m.installer.Install(ctx, env, gems)
	if err != nil {
		var installErr *InstallError
		if !errors.As(err, &installErr) {
			err = &InstallError{Gems: gems, ExitCode: -1, Err: err}
		}
		m.logger.Warn("gem installation failed",
			zap.Strings("gems", gems),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}

	m.logger.Info("gems installed",
		zap.Strings("gems", gems),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
