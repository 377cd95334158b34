// Command aavion is the AavionDB front-end: an interactive statement
// REPL, a one-shot executor, and the REST gateway launcher. All three
// feed the same dispatcher built by the bootstrap package.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aaviondb/aaviondb/internal/bootstrap"
	"github.com/aaviondb/aaviondb/internal/config"
	"github.com/aaviondb/aaviondb/internal/dispatch"
)

var (
	flagRoot     string
	flagLogLevel string
	flagRender   bool
)

var rootCmd = &cobra.Command{
	Use:           "aavion",
	Short:         "Content-addressed JSON datastore with versioned entities",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runREPL()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "data root directory (default ~/.aavion)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagRender, "render", false, "render markdown output for the terminal")
}

// runtimeUp builds (or returns) the process runtime honoring the global
// flags.
func runtimeUp() (*bootstrap.Runtime, error) {
	if flagLogLevel != "" {
		config.Set("log_level", flagLogLevel)
	}
	return bootstrap.Setup(bootstrap.Options{
		Root:       flagRoot,
		WatchFiles: true,
	})
}

// printEnvelope writes a response to stdout. Success prints the message
// plus indented data; errors go to stderr.
func printEnvelope(resp *dispatch.Response) error {
	if !resp.IsOK() {
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Message)
		if resp.Meta != nil {
			if kind, ok := resp.Meta["kind"]; ok {
				fmt.Fprintf(os.Stderr, "kind: %v\n", kind)
			}
		}
		return fmt.Errorf("%s", resp.Message)
	}
	if resp.Message != "" {
		fmt.Println(resp.Message)
	}
	if resp.Data != nil {
		if rendered, ok := renderData(resp.Data); ok {
			fmt.Println(rendered)
			return nil
		}
		out, err := json.MarshalIndent(resp.Data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	if resp.Meta != nil {
		if warnings, ok := resp.Meta["warnings"].([]string); ok {
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
