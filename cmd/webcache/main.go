// Command webcache fetches URLs through the disk cache and can serve
// partially downloaded content over the loopback range proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meigma/webcache"
	"github.com/meigma/webcache/dirs"
	"github.com/meigma/webcache/proxy"
)

var (
	cacheDir  string
	maxSize   int64
	verbose   bool
	proxyAddr string
)

var rootCmd = &cobra.Command{
	Use:   "webcache",
	Short: "Cached HTTP fetches and a loopback range proxy",
	Long: `webcache downloads web resources into a bounded on-disk LRU cache
and re-serves them from disk on later fetches.

The serve subcommand runs a loopback HTTP proxy that exposes each URL
at a local address and answers Range requests from partially
downloaded content.`,
	SilenceUsage: true,
}

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Fetch a URL through the cache and print its local path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		path, err := c.GetFile(cmd.Context(), args[0],
			webcache.GetWithProgress(printProgress),
		)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var jsonCmd = &cobra.Command{
	Use:   "json [url]",
	Short: "Fetch a JSON document through the cache and print its value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		v, err := c.GetAsJSON(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printValue(v, 0)
		fmt.Println()
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loopback range proxy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		s := proxy.New(c.Partial(),
			proxy.WithAddr(proxyAddr),
			proxy.WithLogger(newLogger()),
		)
		if err := s.Start(); err != nil {
			return err
		}
		fmt.Printf("proxy listening at %s\n", s.BaseURL())
		fmt.Println("request a URL as a percent-encoded path segment, e.g.")
		fmt.Printf("  curl '%s'\n", s.EncodeURL("https://example.com/file.bin"))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete everything in the cache directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Clear()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print cache usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		fc := c.Cache()
		fmt.Printf("directory: %s\n", fc.Dir())
		fmt.Printf("entries:   %d\n", fc.Len())
		fmt.Printf("used:      %s of %s\n",
			humanize.Bytes(uint64(fc.SizeBytes())),
			humanize.Bytes(uint64(fc.MaxBytes())),
		)
		return nil
	},
}

func newClient() (*webcache.Client, error) {
	d, err := dirs.Resolve(dirs.WithCacheDir(cacheDir))
	if err != nil {
		return nil, err
	}
	return webcache.New(d.Cache(),
		webcache.WithMaxCacheSize(maxSize),
		webcache.WithLogger(newLogger()),
	)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printProgress(ev webcache.ProgressEvent) {
	if !verbose {
		return
	}
	total := "?"
	if ev.ExpectedTotal >= 0 {
		total = humanize.Bytes(uint64(ev.ExpectedTotal))
	}
	fmt.Fprintf(os.Stderr, "\r%s / %s", humanize.Bytes(uint64(ev.BytesReceived)), total)
}

// printValue renders a decoded codec value in a readable JSON-like
// form. Map iteration order is not stable; this output is for humans.
func printValue(v any, depth int) {
	switch v := v.(type) {
	case nil:
		fmt.Print("null")
	case map[any]any:
		fmt.Println("{")
		for key, val := range v {
			fmt.Printf("%*s%v: ", (depth+1)*2, "", key)
			printValue(val, depth+1)
			fmt.Println()
		}
		fmt.Printf("%*s}", depth*2, "")
	case []any:
		fmt.Println("[")
		for _, item := range v {
			fmt.Printf("%*s", (depth+1)*2, "")
			printValue(item, depth+1)
			fmt.Println()
		}
		fmt.Printf("%*s]", depth*2, "")
	case string:
		fmt.Printf("%q", v)
	default:
		fmt.Printf("%v", v)
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "cache directory (default: OS cache dir)")
	rootCmd.PersistentFlags().Int64Var(&maxSize, "max-size", 200<<20, "cache size budget in bytes")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	serveCmd.Flags().StringVar(&proxyAddr, "addr", proxy.DefaultAddr, "proxy listen address")

	rootCmd.AddCommand(getCmd, jsonCmd, serveCmd, clearCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
