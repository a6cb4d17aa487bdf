package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vfsprovider/config"
	"vfsprovider/provider"
	"vfsprovider/provider/dirfs"
	"vfsprovider/vfs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug output")
	hostURL := flag.String("host", "", "websocket URL of the vfsd provider endpoint")
	origin := flag.String("origin", "", "origin presented to the host for authorization")
	fsID := flag.String("id", "", "file system id (defaults to the root directory name)")
	name := flag.String("name", "", "display name (defaults to the id)")
	limit := flag.Uint("limit", 0, "maximum number of files the host may keep open")
	pageSize := flag.Int("page-size", 0, "directory entries per listing delivery")
	maxElapsed := flag.Duration("max-elapsed", 0, "give up reconnecting after this long (0 retries forever)")
	flag.Parse()

	if flag.NArg() > 1 {
		fmt.Printf("Usage: %s [options] [ROOT]\n", os.Args[0])
		fmt.Printf("Options:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	mgr, err := config.NewProviderManager()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg, err := mgr.Config()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debug":
			cfg.DebugMode = *debug
		case "host":
			cfg.HostURL = *hostURL
		case "origin":
			cfg.Origin = *origin
		case "id":
			cfg.FileSystemID = *fsID
		case "name":
			cfg.DisplayName = *name
		case "limit":
			cfg.OpenedFilesLimit = uint32(*limit)
		case "page-size":
			cfg.PageSize = *pageSize
		case "max-elapsed":
			cfg.Reconnect.MaxElapsed = *maxElapsed
		}
	})
	if flag.NArg() == 1 {
		cfg.Root = flag.Arg(0)
	}

	if cfg.DebugMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("provider stopped")
	}
}

// mountOptions fills in the id and display name from the root directory
// when they are not configured.
func mountOptions(cfg config.ProviderConfig) (vfs.MountOptions, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return vfs.MountOptions{}, err
	}
	opts := vfs.MountOptions{
		FileSystemID:     cfg.FileSystemID,
		DisplayName:      cfg.DisplayName,
		OpenedFilesLimit: cfg.OpenedFilesLimit,
	}
	if opts.FileSystemID == "" {
		opts.FileSystemID = filepath.Base(root)
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.FileSystemID
	}
	return opts, opts.Validate()
}

// usage sums the sizes of the regular files directly under dir.
func usage(dir string) (entries int, size uint64) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	for _, de := range des {
		entries++
		if info, err := de.Info(); err == nil && info.Mode().IsRegular() {
			size += uint64(info.Size())
		}
	}
	return entries, size
}

func run(cfg config.ProviderConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := mountOptions(cfg)
	if err != nil {
		return err
	}
	dir, err := dirfs.Open(cfg.Root, cfg.PageSize)
	if err != nil {
		return err
	}
	defer dir.Close()

	entries, size := usage(cfg.Root)
	log.Info().
		Str("root", cfg.Root).
		Str("fileSystemId", opts.FileSystemID).
		Str("host", cfg.HostURL).
		Int("entries", entries).
		Str("size", humanize.Bytes(size)).
		Msg("serving directory")

	return provider.Run(ctx, cfg.HostURL, cfg.Origin, []provider.Mount{{Options: opts, Handler: dir}}, cfg.Reconnect.MaxElapsed)
}
