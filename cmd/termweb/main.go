// Command termweb runs the remote terminal multiplexer client: it connects
// the control and file streams to a termweb server and exposes cache
// maintenance subcommands for the on-device transfer cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/teamchong/termweb-sub002/internal/cache"
	"github.com/teamchong/termweb-sub002/internal/client"
	"github.com/teamchong/termweb-sub002/internal/logging"
)

var (
	serverURL string
	token     string
	stateDir  string
	bwLimit   float64
	logLevel  string
	uploadDir string
)

var rootCmd = &cobra.Command{
	Use:   "termweb",
	Short: "Client for a remote terminal multiplexer",
	Long: `termweb connects to a server hosting live terminal panels, streams
them as compressed pixel frames, forwards input, and provides rsync-style
bidirectional file transfer with resumption and disk-backed caching.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logging.Logger.SetLevel(lvl)
		if stateDir == "" {
			base, err := os.UserCacheDir()
			if err != nil {
				return err
			}
			stateDir = filepath.Join(base, "termweb")
		}
		return os.MkdirAll(stateDir, 0o755)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverURL == "" {
			return fmt.Errorf("--url is required")
		}
		c, err := client.New(client.Options{
			ServerURL:      serverURL,
			Token:          token,
			StateDir:       stateDir,
			BandwidthLimit: bwLimit,
		}, client.OSSource{Root: uploadDir})
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return c.Run(ctx)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the on-device transfer cache",
}

func cacheStore() *cache.Store {
	return cache.New(filepath.Join(stateDir, "termweb-cache"))
}

var cacheUsageCmd = &cobra.Command{
	Use:   "usage <serverPath>",
	Short: "Report cached bytes and file count for a server path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := cacheStore().Usage(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%d files, %d bytes\n", u.FileCount, u.TotalBytes)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [serverPath]",
	Short: "Clear one server path's cache subtree, or everything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return cacheStore().ClearPath(args[0])
		}
		return cacheStore().ClearAll()
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "ls <serverPath>",
	Short: "List cached files and metadata for a server path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := cacheStore().ListFiles(args[0])
		if err != nil {
			return err
		}
		for path, m := range meta {
			fmt.Printf("%12d %d %016x %s\n", m.Size, m.Mtime, m.Hash, path)
		}
		return nil
	},
}

func init() {
	// accept underscore-separated spellings of every flag
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "http(s) base URL of the termweb server")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token appended to every stream and sub-resource URL")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory for cache, temp, and resume state (default: user cache dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warning, error")
	rootCmd.Flags().Float64Var(&bwLimit, "bwlimit", 0, "upload bandwidth limit in bytes/second, 0 for unlimited")
	rootCmd.Flags().StringVar(&uploadDir, "upload-root", ".", "local directory upload paths resolve against")

	cacheCmd.AddCommand(cacheUsageCmd, cacheClearCmd, cacheListCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
