package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vfsprovider/config"
	"vfsprovider/diag"
	"vfsprovider/fuse"
	"vfsprovider/gateway"
	"vfsprovider/metrics"
	"vfsprovider/mockprovider"
	"vfsprovider/provider"
	"vfsprovider/state"
	"vfsprovider/vfs"
)

// localOrigin is the origin of file systems the daemon mounts itself.
const localOrigin = "vfsd://local"

func main() {
	debug := flag.Bool("debug", false, "enable debug output")
	listen := flag.String("listen", "", "address to serve the provider endpoint and API on")
	mountRoot := flag.String("mount-root", "", "directory under which mounted file systems appear via FUSE")
	statePath := flag.String("state", "", "path of the grant store")
	requestTimeout := flag.Duration("request-timeout", 0, "fail provider requests that take longer than this (0 for no limit)")
	attrTTL := flag.Duration("attr-ttl", 0, "kernel attribute cache TTL for FUSE mounts")
	demo := flag.Bool("demo", false, "mount the built-in demo file system")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Printf("Usage: %s [options]\n", os.Args[0])
		fmt.Printf("Options:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	mgr, err := config.NewDaemonManager()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg, err := mgr.Config()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Flags given on the command line win over the config sources.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debug":
			cfg.DebugMode = *debug
		case "listen":
			cfg.ListenAddr = *listen
		case "mount-root":
			cfg.MountRoot = *mountRoot
		case "state":
			cfg.StatePath = *statePath
		case "request-timeout":
			cfg.RequestTimeout = *requestTimeout
		case "attr-ttl":
			cfg.AttrTTL = *attrTTL
		case "demo":
			cfg.Demo.Enabled = *demo
		}
	})
	setupLogging(cfg.DebugMode)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("vfsd stopped")
	}
	log.Info().Msg("vfsd stopped")
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func run(cfg config.DaemonConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.NewStore(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to initialize grants: %w", err)
	}
	if err := store.Seed(cfg.Grants, "config"); err != nil {
		return fmt.Errorf("failed to seed grants: %w", err)
	}

	tracker := diag.NewTracker()
	observer := metrics.New()
	opts := []vfs.RegistryOption{
		vfs.WithAuthorizer(vfs.AuthorizerFunc(func(origin string) bool {
			return origin == localOrigin || store.Allowed(origin)
		})),
		vfs.WithTracker(tracker),
		vfs.WithObserver(observer),
		vfs.WithRequestTimeout(cfg.RequestTimeout),
	}

	var mounter *fuse.Mounter
	if cfg.MountRoot != "" {
		mounter, err = fuse.NewMounter(cfg.MountRoot, cfg.AttrTTL, cfg.DebugMode)
		if err != nil {
			return err
		}
		opts = append(opts, vfs.WithListener(mounter))
	}
	reg := vfs.NewRegistry(opts...)

	if cfg.Demo.Enabled {
		_, err := provider.MountLoopback(reg, localOrigin, vfs.MountOptions{
			FileSystemID:     cfg.Demo.FileSystemID,
			DisplayName:      cfg.Demo.DisplayName,
			OpenedFilesLimit: 10,
		}, mockprovider.New(mockprovider.Dummy()...))
		if err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: gateway.New(reg,
			gateway.WithGrants(store),
			gateway.WithTracker(tracker),
			gateway.WithMetrics(observer.Handler()),
			gateway.WithDebug(cfg.DebugMode),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if u, err := providerURL(cfg.ListenAddr); err == nil {
			log.Info().Str("addr", cfg.ListenAddr).Str("providerURL", u).Msg("vfsd listening")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("grant store is not watched for changes")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if regErr := reg.Shutdown(); regErr != nil {
			log.Warn().Err(regErr).Msg("unclean registry shutdown")
		}
		if mounter != nil {
			if mErr := mounter.Close(); mErr != nil {
				log.Warn().Err(mErr).Msg("failed to remove FUSE mounts")
			}
		}
		return err
	})
	return g.Wait()
}

// providerURL returns the websocket URL providers should dial to reach a
// daemon listening on listenAddr. Wildcard hosts become localhost.
func providerURL(listenAddr string) (string, error) {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	if port == "" {
		return "", fmt.Errorf("listen address %q has no port", listenAddr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port) + gateway.ProviderRoute, nil
}
