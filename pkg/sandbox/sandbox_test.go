package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		shouldErr bool
		wantErr   error
	}{
		{
			name:   "valid strict",
			config: Config{Level: LevelStrict, MaxMemoryMB: 512, Timeout: time.Minute},
		},
		{
			name:   "valid relaxed with network",
			config: Config{Level: LevelRelaxed, NetworkAccess: true},
		},
		{
			name:   "valid none",
			config: Config{Level: LevelNone},
		},
		{
			name:      "unknown level",
			config:    Config{Level: Level("paranoid")},
			shouldErr: true,
			wantErr:   ErrInvalidLevel,
		},
		{
			name:      "negative memory",
			config:    Config{Level: LevelStrict, MaxMemoryMB: -1},
			shouldErr: true,
			wantErr:   ErrInvalidMemoryLimit,
		},
		{
			name:      "negative timeout",
			config:    Config{Level: LevelStrict, Timeout: -time.Second},
			shouldErr: true,
			wantErr:   ErrInvalidTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.config)
			if tt.shouldErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	m := New(Config{})

	defaults := m.Defaults()
	assert.Equal(t, LevelStrict, defaults.Level)
	assert.Equal(t, 512, defaults.MaxMemoryMB)
	assert.Equal(t, 60*time.Second, defaults.Timeout)
}

func TestManager_SelectStrategy(t *testing.T) {
	tests := []struct {
		name       string
		manager    *Manager
		level      Level
		want       string
		shouldErr  bool
		wantErr    error
	}{
		{
			name:    "strict prefers bubblewrap",
			manager: &Manager{bwrapPath: "/usr/bin/bwrap", dockerPath: "/usr/bin/docker"},
			level:   LevelStrict,
			want:    "bubblewrap",
		},
		{
			name:    "strict falls back to docker",
			manager: &Manager{dockerPath: "/usr/bin/docker"},
			level:   LevelStrict,
			want:    "docker",
		},
		{
			name:      "strict fails without isolation",
			manager:   &Manager{},
			level:     LevelStrict,
			shouldErr: true,
			wantErr:   ErrIsolationUnavailable,
		},
		{
			name:    "relaxed prefers bubblewrap",
			manager: &Manager{bwrapPath: "/usr/bin/bwrap"},
			level:   LevelRelaxed,
			want:    "bubblewrap",
		},
		{
			name:    "relaxed degrades to host execution",
			manager: &Manager{},
			level:   LevelRelaxed,
			want:    "hostexec",
		},
		{
			name:    "none passes through",
			manager: &Manager{bwrapPath: "/usr/bin/bwrap"},
			level:   LevelNone,
			want:    "passthrough",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strategy, err := tt.manager.selectStrategy(Config{Level: tt.level})
			if tt.shouldErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, strategy.name())
		})
	}
}

func TestManager_Acquire_StrictNeverDowngrades(t *testing.T) {
	m := &Manager{defaults: Config{Level: LevelStrict, MaxMemoryMB: 512, Timeout: time.Minute}}

	handle, err := m.Acquire(context.Background(), Config{Level: LevelStrict})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIsolationUnavailable)
	assert.Nil(t, handle)
}

func TestManager_Acquire_OwnedWorkDirRemovedOnRelease(t *testing.T) {
	m := New(Config{Level: LevelNone})

	handle, err := m.Acquire(context.Background(), Config{Level: LevelNone})
	require.NoError(t, err)

	workDir := handle.WorkDir()
	require.DirExists(t, workDir)

	require.NoError(t, handle.Release())
	assert.NoDirExists(t, workDir)
}

func TestManager_Acquire_ExplicitWorkDirSurvivesRelease(t *testing.T) {
	m := New(Config{Level: LevelNone})
	workDir := t.TempDir()

	handle, err := m.Acquire(context.Background(), Config{Level: LevelNone, WorkDir: workDir})
	require.NoError(t, err)
	assert.Equal(t, workDir, handle.WorkDir())

	require.NoError(t, handle.Release())
	assert.DirExists(t, workDir)
}

func TestManager_Acquire_InvalidConfig(t *testing.T) {
	m := New(Config{Level: LevelNone})

	_, err := m.Acquire(context.Background(), Config{Level: LevelNone, MaxMemoryMB: -5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMemoryLimit)
}

func TestManager_Acquire_AppliesDefaults(t *testing.T) {
	m := New(Config{Level: LevelNone, MaxMemoryMB: 128, Timeout: 5 * time.Second})

	handle, err := m.Acquire(context.Background(), Config{})
	require.NoError(t, err)
	defer func() { _ = handle.Release() }()

	assert.Equal(t, LevelNone, handle.config.Level)
	assert.Equal(t, 128, handle.config.MaxMemoryMB)
	assert.Equal(t, 5*time.Second, handle.config.Timeout)
}

func TestFlattenEnv_Sorted(t *testing.T) {
	pairs := flattenEnv(map[string]string{"ZED": "1", "ALPHA": "2", "MID": "3"})
	assert.Equal(t, []string{"ALPHA=2", "MID=3", "ZED=1"}, pairs)

	assert.Nil(t, flattenEnv(nil))
}
