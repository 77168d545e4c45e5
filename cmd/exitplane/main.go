// exitplane is the tunnel control plane and remote exit node agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/exitplane/internal/alloc"
	"github.com/tunnelmesh/exitplane/internal/auth"
	"github.com/tunnelmesh/exitplane/internal/config"
	"github.com/tunnelmesh/exitplane/internal/control"
	"github.com/tunnelmesh/exitplane/internal/coord"
	"github.com/tunnelmesh/exitplane/internal/exitnode"
	"github.com/tunnelmesh/exitplane/internal/hybrid"
	"github.com/tunnelmesh/exitplane/internal/metrics"
	"github.com/tunnelmesh/exitplane/internal/proxysync"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/internal/svc"
	"github.com/tunnelmesh/exitplane/internal/traefik"
	"github.com/tunnelmesh/exitplane/internal/wg"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Set by the service manager, hidden from help.
	serviceRun bool

	syncSocket string
	syncLocal  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "exitplane",
		Short: "Exitplane - tunnel control plane and exit node agent",
		Long: `Exitplane assigns exit nodes and site subnets, drives remote exit nodes
over an authenticated control channel and keeps the reverse proxy's routing and
certificate files in sync.

Examples:
  # Run the control plane
  exitplane serve --config /etc/exitplane/config.yaml

  # Run a remote exit node
  EXITPLANE_HYBRID_SECRET=... exitplane exit-node --config /etc/exitplane/config.yaml

  # Force a sync on a running exit node
  exitplane sync`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "run under the service manager (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd.Context(), svc.ModeServe, runServe)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "exit-node",
		Short: "Run a remote exit node agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd.Context(), svc.ModeExitNode, runExitNode)
		},
	})

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one proxy configuration sync",
		Long: `Run one proxy configuration sync.

By default the running exit node agent is asked over its control socket. With
--local a one-off sync is run in this process against the control plane.`,
		RunE: runSync,
	}
	syncCmd.Flags().StringVar(&syncSocket, "socket", "", "agent control socket (default from config)")
	syncCmd.Flags().BoolVar(&syncLocal, "local", false, "run the sync in this process")
	rootCmd.AddCommand(syncCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the exit node agent status",
		RunE:  runStatus,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("exitplane %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	})

	rootCmd.AddCommand(newServiceCmd())
	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return nil, err
	}
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

// runMode runs fn in the foreground until a signal arrives, or hands it to the
// service manager when started with --service-run.
func runMode(parent context.Context, mode string, fn svc.RunFunc) error {
	if serviceRun {
		prg := &svc.Program{
			Mode:       mode,
			ConfigPath: cfgFile,
			Runners:    map[string]svc.RunFunc{mode: fn},
		}
		return svc.Run(prg, &svc.Config{Mode: mode, ConfigPath: cfgFile})
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fn(ctx, cfgFile); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func instanceName() string {
	name, err := os.Hostname()
	if err != nil {
		return "exitplane"
	}
	return name
}

func syncConfig(cfg *config.Config) proxysync.Config {
	return proxysync.Config{
		Interval:         cfg.Traefik.SyncInterval,
		CertificatesPath: cfg.Traefik.CertificatesPath,
		RouterConfigPath: cfg.Traefik.DynamicRouterConfigPath,
		TLSConfigPath:    cfg.Traefik.DynamicCertConfigPath,
		Badger: proxysync.BadgerConfig{
			InternalHostname:    cfg.Server.InternalHostname,
			InternalPort:        cfg.Server.InternalPort,
			SessionCookieName:   cfg.Server.SessionCookieName,
			AccessTokenParam:    cfg.Server.ResourceAccessTokenParam,
			SessionRequestParam: cfg.Server.ResourceSessionRequestParam,
		},
	}
}

func reservations(ctx context.Context, cfg config.RedisConfig) (alloc.Reservations, func(), error) {
	if cfg.Addr == "" {
		return alloc.NewMemoryReservations(alloc.DefaultReservationSize, alloc.DefaultReservationTTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	log.Info().Str("addr", cfg.Addr).Msg("using shared port reservations")
	return alloc.NewRedisReservations(client, alloc.DefaultReservationTTL), func() { _ = client.Close() }, nil
}

func runServe(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	issuer, err := auth.NewIssuer(cfg.Server.JWTSecret)
	if err != nil {
		return err
	}

	res, closeRes, err := reservations(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeRes()

	m := metrics.InitMetrics(instanceName())
	srv := coord.NewServer(coord.Config{
		Listen: cfg.Server.Listen,
		APIKey: cfg.Server.APIKey,
		ExitNodes: exitnode.Config{
			SubnetGroup:  cfg.Gerbil.SubnetGroup,
			BlockSize:    cfg.Gerbil.BlockSize,
			StartPort:    cfg.Gerbil.StartPort,
			BaseEndpoint: cfg.Gerbil.BaseEndpoint,
			UseSubdomain: cfg.Gerbil.UseSubdomain,
			Name:         cfg.Gerbil.ExitNodeName,
		},
		SiteBlockSize: cfg.Gerbil.SiteBlockSize,
		Traefik: traefik.Config{
			SiteTypes:             cfg.Traefik.SiteTypes,
			CertResolver:          cfg.Traefik.CertResolver,
			PreferWildcardCert:    cfg.Traefik.PreferWildcardCert,
			AdditionalMiddlewares: cfg.Traefik.AdditionalMiddlewares,
		},
	}, db, issuer, alloc.NewPortAllocator(res), m)

	// The control plane also reconciles the proxy of its own local exit node.
	syncer := proxysync.New(syncConfig(cfg),
		&proxysync.LocalRouting{Generator: srv.Generator(), Nodes: srv.Registry()},
		&proxysync.StoreCertificates{Store: db},
		proxysync.NewExitNodeSNIPusher(srv.Registry()),
		m)

	log.Info().Str("version", Version).Str("listen", cfg.Server.Listen).Msg("starting exitplane control plane")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		syncer.Start(gctx)
		<-gctx.Done()
		syncer.Stop()
		return nil
	})
	return g.Wait()
}

func runExitNode(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateHybrid(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	device, err := wg.Open(cfg.Hybrid.Interface)
	if err != nil {
		return err
	}
	defer func() { _ = device.Close() }()

	m := metrics.InitMetrics(instanceName())
	agent := hybrid.New(hybrid.Config{
		Endpoint:   cfg.Hybrid.Endpoint,
		ID:         cfg.Hybrid.ID,
		Secret:     cfg.Hybrid.Secret,
		Version:    Version,
		SocketPath: cfg.Hybrid.SocketPath,
		SNIURL:     cfg.Hybrid.SNIURL,
		Sync:       syncConfig(cfg),
	}, device, m)

	log.Info().
		Str("version", Version).
		Str("endpoint", cfg.Hybrid.Endpoint).
		Str("interface", device.Name()).
		Msg("starting exitplane exit node")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.Run(gctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Listen)
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", listen).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func socketPath(cfg *config.Config) string {
	if syncSocket != "" {
		return syncSocket
	}
	return cfg.Hybrid.SocketPath
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !syncLocal {
		client := control.NewClient(socketPath(cfg))
		if err := client.SyncRun(); err != nil {
			return fmt.Errorf("sync via agent: %w", err)
		}
		return printStatus(client)
	}

	if err := cfg.ValidateHybrid(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	tokens := control.NewTokenManager(
		control.NewRemoteExitNodeFetcher(cfg.Hybrid.Endpoint, cfg.Hybrid.ID, cfg.Hybrid.Secret),
		control.DefaultRefreshInterval, control.DefaultTokenRetry)
	remote := proxysync.NewRemoteClient(cfg.Hybrid.Endpoint, tokens)

	var sni proxysync.SNIPusher
	if cfg.Hybrid.SNIURL != "" {
		sni = proxysync.NewStaticSNIPusher(cfg.Hybrid.SNIURL)
	}
	syncer := proxysync.New(syncConfig(cfg), remote, remote, sni, nil)

	ctx, cancel := context.WithTimeout(cmd.Context(), proxysync.RemoteTimeout)
	defer cancel()
	result, err := syncer.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("domains:     %d\n", len(result.Domains))
	fmt.Printf("certs fetch: %t\n", result.CertificatesFetched)
	fmt.Printf("writes:      %d\n", result.TotalWrites())
	fmt.Printf("removed:     %d\n", len(result.RemovedDirs))
	return nil
}

func runStatus(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return printStatus(control.NewClient(socketPath(cfg)))
}

func printStatus(client *control.Client) error {
	st, err := client.Status()
	if err != nil {
		return fmt.Errorf("query agent: %w", err)
	}
	fmt.Printf("channel:        %s\n", st.ChannelState)
	fmt.Printf("sync running:   %t\n", st.SyncRunning)
	fmt.Printf("last run:       %s\n", formatTime(st.LastRun))
	fmt.Printf("last cert pull: %s\n", formatTime(st.LastCertFetch))
	fmt.Printf("active domains: %d\n", len(st.ActiveDomains))
	for _, d := range st.ActiveDomains {
		fmt.Printf("  %s\n", d)
	}
	if st.LastError != "" {
		fmt.Printf("last error:     %s\n", st.LastError)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
