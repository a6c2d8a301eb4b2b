// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Command nixrsd runs a Nix worker-protocol daemon server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/storepath"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "nixrsd",
		Short:         "Nix worker-protocol daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}
	rootCommand.AddCommand(newServeCommand())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

type serveOptions struct {
	storeDir          string
	listen            string
	systemdActivation bool
	configPath        string
	trustedUsers      []int
}

func newServeCommand() *cobra.Command {
	opts := new(serveOptions)
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "accept worker-protocol connections",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&opts.storeDir, "store-dir", string(storepath.DefaultStoreDir), "path to the Nix store directory")
	c.Flags().StringVar(&opts.listen, "listen", "", "address to listen on (unix:PATH, tcp:ADDR, or stdio)")
	c.Flags().BoolVar(&opts.systemdActivation, "systemd-activation", false, "accept listeners passed by systemd socket activation instead of --listen")
	c.Flags().StringVar(&opts.configPath, "config", "", "path to a hujson daemon config file (storeDir, listen, trustedUsers)")
	c.Flags().IntSliceVar(&opts.trustedUsers, "trusted-user", nil, "additional uid to treat as trusted over a Unix socket (repeatable)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), opts, cmd.Flags().Changed("store-dir"))
	}
	return c
}

func runServe(ctx context.Context, opts *serveOptions, storeDirFlagSet bool) error {
	fileCfg, err := loadFileConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("nixrsd serve: %w", err)
	}
	if !storeDirFlagSet && fileCfg.StoreDir != "" {
		opts.storeDir = fileCfg.StoreDir
	}
	if opts.listen == "" && fileCfg.Listen != "" {
		opts.listen = fileCfg.Listen
	}
	opts.trustedUsers = append(opts.trustedUsers, fileCfg.TrustedUsers...)

	storeDir, err := storepath.CleanStoreDir(opts.storeDir)
	if err != nil {
		return fmt.Errorf("nixrsd serve: %w", err)
	}
	store := newNotImplementedStore(storeDir)
	trust := newTrustedUIDs(opts.trustedUsers)

	if opts.listen == "stdio" {
		log.Infof(ctx, "Serving worker protocol on stdio")
		return daemon.ServeConn(stdioConn{}, store)
	}

	listeners, err := openListeners(opts)
	if err != nil {
		return err
	}
	if len(listeners) == 0 {
		return fmt.Errorf("nixrsd serve: no listeners (pass --listen or --systemd-activation)")
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		log.Infof(ctx, "Listening on %s", l.Addr())
		grp.Go(func() error {
			return acceptLoop(grpCtx, l, store, trust)
		})
	}
	grp.Go(func() error {
		<-grpCtx.Done()
		for _, l := range listeners {
			l.Close()
		}
		return grpCtx.Err()
	})
	return grp.Wait()
}

func acceptLoop(ctx context.Context, l net.Listener, store daemon.Store, trust trustedUIDs) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		sessionID := uuid.New()
		connStore := trustOverrideStore{Store: store, trust: trust.peerTrust(conn)}
		go func() {
			defer conn.Close()
			log.Infof(ctx, "session %s: connection from %s (%s)", sessionID, conn.RemoteAddr(), connStore.trust)
			if err := daemon.ServeConn(conn, connStore); err != nil {
				log.Errorf(ctx, "session %s: %v", sessionID, err)
			}
		}()
	}
}

func openListeners(opts *serveOptions) ([]net.Listener, error) {
	if opts.systemdActivation {
		listeners, err := activation.Listeners()
		if err != nil {
			return nil, fmt.Errorf("nixrsd serve: systemd activation: %w", err)
		}
		return listeners, nil
	}
	network, addr, ok := strings.Cut(opts.listen, ":")
	if !ok {
		return nil, fmt.Errorf("nixrsd serve: --listen must be of the form unix:PATH or tcp:ADDR")
	}
	switch network {
	case "unix", "tcp":
	default:
		return nil, fmt.Errorf("nixrsd serve: unsupported --listen network %q", network)
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("nixrsd serve: %w", err)
	}
	return []net.Listener{l}, nil
}

type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

var logOnce sync.Once

func initLogging(showDebug bool) {
	logOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "nixrsd: ", log.StdFlags, nil),
		})
	})
}
