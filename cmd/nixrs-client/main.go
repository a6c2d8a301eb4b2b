// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Command nixrs-client is a thin worker-protocol client for scripting
// and debugging a nixrsd (or stock nix-daemon) connection.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/nar"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
	"zombiezen.com/go/log"
)

type globalConfig struct {
	storeDir string
	connect  string
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "nixrs-client",
		Short:         "Nix worker-protocol client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	g := &globalConfig{
		storeDir: string(storepath.DefaultStoreDir),
		connect:  "unix:/nix/var/nix/daemon-socket/socket",
	}
	rootCommand.PersistentFlags().StringVar(&g.storeDir, "store-dir", g.storeDir, "path to the Nix store directory")
	rootCommand.PersistentFlags().StringVar(&g.connect, "connect", g.connect, "daemon address (unix:PATH or tcp:ADDR)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newIsValidPathCommand(g),
		newQueryPathInfoCommand(g),
		newNarCommand(g),
		newAddToStoreCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func dial(g *globalConfig) (*daemon.Client, error) {
	storeDir, err := storepath.CleanStoreDir(g.storeDir)
	if err != nil {
		return nil, err
	}
	network, addr, ok := strings.Cut(g.connect, ":")
	if !ok {
		return nil, fmt.Errorf("--connect must be of the form unix:PATH or tcp:ADDR")
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	c, _, err := daemon.NewClient(conn, storeDir)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func logProgress(ctx context.Context) daemon.LogSink {
	return daemon.LogSinkFunc(func(msg daemon.LogMessage) {
		log.Debugf(ctx, "%v", msg)
	})
}

func newIsValidPathCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "is-valid-path PATH",
		Short:                 "check whether a store path is valid",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, err := storepath.Parse(args[0])
		if err != nil {
			return err
		}
		client, err := dial(g)
		if err != nil {
			return err
		}
		valid, err := client.IsValidPath(logProgress(ctx), path)
		if err != nil {
			return err
		}
		fmt.Println(valid)
		return nil
	}
	return c
}

func newQueryPathInfoCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "query-path-info PATH",
		Short:                 "print a store path's metadata",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, err := storepath.Parse(args[0])
		if err != nil {
			return err
		}
		client, err := dial(g)
		if err != nil {
			return err
		}
		info, err := client.QueryPathInfo(logProgress(ctx), path)
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("%s is not a valid path", path)
		}
		fmt.Printf("Deriver:    %s\n", info.Deriver)
		fmt.Printf("NarSize:    %d\n", info.NarSize)
		fmt.Printf("NarHash:    %s\n", info.NarHash.SRI())
		for i := 0; i < info.References.Len(); i++ {
			fmt.Printf("Reference:  %s\n", info.References.At(i))
		}
		if !info.CA.IsZero() {
			fmt.Printf("CA:         %s\n", info.CA)
		}
		return nil
	}
	return c
}

func newNarCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "nar COMMAND",
		Short:                 "operate on NAR dumps of store paths",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(newNarDumpCommand(g))
	return c
}

func newNarDumpCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "dump PATH",
		Short:                 "write a store path's NAR encoding to stdout",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, err := storepath.Parse(args[0])
		if err != nil {
			return err
		}
		client, err := dial(g)
		if err != nil {
			return err
		}
		return client.NarFromPath(logProgress(ctx), path, os.Stdout)
	}
	return c
}

func newAddToStoreCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "add-to-store PATH",
		Short:                 "add a filesystem path to the store as a recursive (NAR-hashed) content-addressed object",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := dial(g)
		if err != nil {
			return err
		}
		return runAddToStore(ctx, client, g, args[0])
	}
	return c
}

func runAddToStore(ctx context.Context, client *daemon.Client, g *globalConfig, path string) error {
	var narBuf bytes.Buffer
	if err := nar.DumpPath(&narBuf, path); err != nil {
		return err
	}
	narBytes := narBuf.Bytes()

	hasher := nixhash.NewHasher(nixhash.SHA256)
	hasher.Write(narBytes)
	narHash := hasher.SumHash()
	ca := storepath.RecursiveContentAddress(narHash)

	name, err := storepath.ParseName(baseName(path))
	if err != nil {
		return err
	}
	storeDir, err := storepath.CleanStoreDir(g.storeDir)
	if err != nil {
		return err
	}
	storePath, err := storepath.MakeStorePath(storeDir, name, ca, storepath.References{})
	if err != nil {
		return err
	}

	info := daemon.UnkeyedValidPathInfoWithPath{Path: storePath}
	info.Info.NarSize = int64(len(narBytes))
	info.Info.NarHash = narHash
	info.Info.CA = ca

	if err := client.AddMultipleToStore(
		logProgress(ctx), false, false,
		[]daemon.UnkeyedValidPathInfoWithPath{info},
		[]io.Reader{bytes.NewReader(narBytes)},
	); err != nil {
		return err
	}
	fmt.Println(storePath)
	return nil
}

func baseName(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

var logOnce sync.Once

func initLogging(showDebug bool) {
	logOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "nixrs-client: ", log.StdFlags, nil),
		})
	})
}
