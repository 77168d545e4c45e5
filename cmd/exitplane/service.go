package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/exitplane/internal/svc"
)

var (
	serviceMode  string
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the exitplane system service",
		Long: `Install and control exitplane as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)

Examples:
  # Install a remote exit node agent
  sudo exitplane service install --mode exit-node --config /etc/exitplane/config.yaml

  # Install the control plane
  sudo exitplane service install --mode serve

  sudo exitplane service status --mode exit-node
  sudo exitplane service logs --mode exit-node --follow`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging()
			switch serviceMode {
			case svc.ModeServe, svc.ModeExitNode:
				return nil
			default:
				return fmt.Errorf("--mode must be %q or %q", svc.ModeServe, svc.ModeExitNode)
			}
		},
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", svc.ModeExitNode, "service mode: serve or exit-node")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default depends on mode)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the system service",
		RunE: func(*cobra.Command, []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			cfg.UserName = serviceUser
			if err := svc.Install(cfg, forceInstall); err != nil {
				return err
			}
			fmt.Printf("Service %q installed (config %s)\n", cfg.Name, cfg.ConfigPath)
			fmt.Printf("Start it with: exitplane service start --mode %s\n", cfg.Mode)
			return nil
		},
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE: func(*cobra.Command, []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			fmt.Printf("Service %q uninstalled\n", cfg.Name)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		action := action
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the system service", action),
			RunE: func(*cobra.Command, []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				return svc.Control(serviceConfig(), action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the system service status",
		RunE: func(*cobra.Command, []string) error {
			cfg := serviceConfig()
			status, err := svc.Status(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", cfg.Name, status)
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the system service logs",
		RunE: func(*cobra.Command, []string) error {
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: serviceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.Config {
	name := serviceName
	if name == "" {
		name = svc.DefaultName(serviceMode)
	}
	path := cfgFile
	if path == "" {
		path = svc.DefaultConfigPath
	}
	return &svc.Config{Name: name, Mode: serviceMode, ConfigPath: path}
}
