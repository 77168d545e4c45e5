// Package svc installs and runs exitplane as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes.
const (
	ModeServe    = "serve"
	ModeExitNode = "exit-node"
)

// DefaultConfigPath is where installed services read their configuration.
const DefaultConfigPath = "/etc/exitplane/config.yaml"

// RunFunc runs one mode until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface. Runners maps a mode to its run function.
type Program struct {
	Mode       string
	ConfigPath string
	Runners    map[string]RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start must not block; the mode runs in a goroutine until Stop.
func (p *Program) Start(service.Service) error {
	run, ok := p.Runners[p.Mode]
	if !ok || run == nil {
		return fmt.Errorf("unknown mode: %s", p.Mode)
	}

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() {
		err := run(ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("mode", p.Mode).Msg("service stopped with error")
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels the running mode and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes an installed service.
type Config struct {
	Name       string
	Mode       string
	ConfigPath string
	UserName   string
}

// DefaultName returns the service name for a mode.
func DefaultName(mode string) string {
	if mode == ModeExitNode {
		return "exitplane-exit-node"
	}
	return "exitplane"
}

func description(mode string) (string, string) {
	if mode == ModeExitNode {
		return "Exitplane Exit Node", "Exitplane remote exit node agent"
	}
	return "Exitplane Control Plane", "Exitplane tunnel control plane server"
}

// serviceConfig builds the platform service definition. The service re-executes
// the binary in the mode's subcommand with --service-run.
func serviceConfig(cfg *Config) *service.Config {
	display, desc := description(cfg.Mode)
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: display,
		Description: desc,
		Arguments:   []string{"--service-run", cfg.Mode, "--config", cfg.ConfigPath},
		UserName:    cfg.UserName,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
	}
	return svcCfg
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = DefaultName(c.Mode)
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath
	}
}

// New creates the platform service for prg.
func New(prg *Program, cfg *Config) (service.Service, error) {
	cfg.normalize()
	s, err := service.New(prg, serviceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

func control(cfg *Config) (service.Service, error) {
	return New(&Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}, cfg)
}

// Install installs the service, replacing an existing one when force is set.
func Install(cfg *Config, force bool) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Str("service", cfg.Name).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Str("service", cfg.Name).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *Config) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Str("service", cfg.Name).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of the service manager actions: start, stop or restart.
func Control(cfg *Config, action string) error {
	if !slices.Contains([]string{"start", "stop", "restart"}, action) {
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns a human readable service status.
func Status(cfg *Config) (string, error) {
	s, err := control(cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			return "not installed", nil
		}
		return "", fmt.Errorf("service status: %w", err)
	}
	return StatusString(status), nil
}

// StatusString maps a service status to text.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager.
func Run(prg *Program, cfg *Config) error {
	s, err := New(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether service management can be attempted.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
