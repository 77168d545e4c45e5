package svc

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		Mode:       ModeExitNode,
		ConfigPath: "/etc/exitplane/test.yaml",
		Runners: map[string]RunFunc{
			ModeExitNode: func(ctx context.Context, configPath string) error {
				started <- configPath
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}

	require.NoError(t, prg.Start(nil))
	select {
	case path := <-started:
		assert.Equal(t, "/etc/exitplane/test.yaml", path)
	case <-time.After(time.Second):
		t.Fatal("runner not started")
	}
	assert.NoError(t, prg.Stop(nil))
}

func TestProgram_StopReturnsRunError(t *testing.T) {
	prg := &Program{
		Mode: ModeServe,
		Runners: map[string]RunFunc{
			ModeServe: func(context.Context, string) error { return errors.New("bind failed") },
		},
	}
	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "bind failed")
}

func TestProgram_UnknownMode(t *testing.T) {
	prg := &Program{Mode: "join", Runners: map[string]RunFunc{}}
	assert.ErrorContains(t, prg.Start(nil), "unknown mode")
	assert.NoError(t, prg.Stop(nil))
}

func TestServiceConfig(t *testing.T) {
	cfg := &Config{Mode: ModeExitNode}
	cfg.normalize()
	assert.Equal(t, "exitplane-exit-node", cfg.Name)
	assert.Equal(t, DefaultConfigPath, cfg.ConfigPath)

	svcCfg := serviceConfig(cfg)
	assert.Equal(t, []string{"--service-run", "exit-node", "--config", DefaultConfigPath}, svcCfg.Arguments)
	assert.Equal(t, "Exitplane Exit Node", svcCfg.DisplayName)
	if runtime.GOOS == "linux" {
		assert.Equal(t, "on-failure", svcCfg.Option["Restart"])
	}

	assert.Equal(t, "exitplane", DefaultName(ModeServe))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestControl_UnknownAction(t *testing.T) {
	assert.ErrorContains(t, Control(&Config{Mode: ModeServe}, "reload"), "unknown service action")
}

func TestLogCommand(t *testing.T) {
	cmd, err := logCommand(LogOptions{ServiceName: "exitplane", Follow: true})
	switch runtime.GOOS {
	case "linux":
		require.NoError(t, err)
		assert.Equal(t, []string{"journalctl", "-u", "exitplane", "-n", "50", "--no-pager", "-f"}, cmd.Args)
	case "darwin":
		require.NoError(t, err)
		assert.Contains(t, cmd.Args, "/var/log/exitplane.err.log")
	default:
		assert.Error(t, err)
	}
}
