package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restrictedConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeRestricted
	return cfg
}

func TestRestrictedSandbox_Run_DeniedWorkdir(t *testing.T) {
	sb, err := NewRestrictedSandbox(restrictedConfig())
	require.NoError(t, err)
	require.NoError(t, sb.Start(context.Background()))
	defer sb.Stop(context.Background())

	_, err = sb.Run(context.Background(), Request{Command: "true", Dir: "/etc/cron.d"})
	assert.ErrorIs(t, err, ErrWorkdirDenied)
}

func TestRestrictedSandbox_Run_AllowedWorkdir(t *testing.T) {
	cfg := restrictedConfig()
	cfg.Restricted.AllowedPaths = []string{"/tmp"}
	sb, err := NewRestrictedSandbox(cfg)
	require.NoError(t, err)
	require.NoError(t, sb.Start(context.Background()))
	defer sb.Stop(context.Background())

	t.Run("inside allowed prefix", func(t *testing.T) {
		exe, err := sb.Run(context.Background(), Request{Command: "pwd", Dir: t.TempDir()})
		require.NoError(t, err)
		result, err := exe.Wait()
		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
	})

	t.Run("outside allowed prefix", func(t *testing.T) {
		_, err := sb.Run(context.Background(), Request{Command: "true", Dir: "/usr"})
		assert.ErrorIs(t, err, ErrWorkdirDenied)
	})
}

func TestRestrictedSandbox_Run_ScrubsEnvironment(t *testing.T) {
	t.Setenv("KODO_SECRET", "leaky")
	t.Setenv("KODO_ALLOWED", "visible")

	cfg := restrictedConfig()
	cfg.Restricted.AllowedEnv = []string{"KODO_ALLOWED"}
	sb, err := NewRestrictedSandbox(cfg)
	require.NoError(t, err)
	require.NoError(t, sb.Start(context.Background()))
	defer sb.Stop(context.Background())

	exe, err := sb.Run(context.Background(), Request{Command: "env"})
	require.NoError(t, err)

	result, err := exe.Wait()
	require.NoError(t, err)

	out := string(result.Stdout)
	assert.NotContains(t, out, "KODO_SECRET=")
	assert.Contains(t, out, "KODO_ALLOWED=visible")
	assert.Contains(t, out, "HOME=/tmp")
}

func TestCheckWorkdir(t *testing.T) {
	cfg := RestrictedConfig{
		AllowedPaths: []string{"/home/user/project"},
		DeniedPaths:  []string{"/home/user/project/secrets"},
	}

	tests := []struct {
		name    string
		dir     string
		wantErr bool
	}{
		{"empty dir is fine", "", false},
		{"allowed prefix", "/home/user/project/src", false},
		{"deny wins over allow", "/home/user/project/secrets/keys", true},
		{"outside allow list", "/var/tmp", true},
		{"dot segments normalized", "/home/user/project/../project/src", false},
		{"allow root itself", "/home/user/project", false},
		{"sibling sharing allowed prefix", "/home/user/projectile", true},
		{"sibling sharing denied prefix", "/home/user/project/secretstore", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkWorkdir(cfg, tt.dir)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrWorkdirDenied)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckWorkdir_EmptyAllowAdmitsEverythingNotDenied(t *testing.T) {
	cfg := RestrictedConfig{DeniedPaths: []string{"/etc"}}

	assert.NoError(t, checkWorkdir(cfg, "/var/tmp"))
	assert.NoError(t, checkWorkdir(cfg, "/etcetera"))
	assert.ErrorIs(t, checkWorkdir(cfg, "/etc"), ErrWorkdirDenied)
	assert.ErrorIs(t, checkWorkdir(cfg, "/etc/ssl"), ErrWorkdirDenied)
}
