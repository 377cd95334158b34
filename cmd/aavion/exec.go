package main

import (
	"context"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/aaviondb/aaviondb/internal/scope"
)

var execCmd = &cobra.Command{
	Use:   "exec <statement>",
	Short: "Run one statement and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := runtimeUp()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := scope.WithScope(context.Background(), scope.Bootstrap())
		resp := rt.Dispatcher.Execute(ctx, strings.Join(args, " "))
		return printEnvelope(resp)
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}

// renderData pretty-prints markdown export output through glamour when
// --render is set and the data carries a markdown content field.
func renderData(data any) (string, bool) {
	if !flagRender {
		return "", false
	}
	m, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := m["content"].(string)
	if !ok || !looksLikeMarkdown(content) {
		return "", false
	}
	out, err := glamour.Render(content, "auto")
	if err != nil {
		return "", false
	}
	return out, true
}

func looksLikeMarkdown(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "#") || strings.Contains(trimmed, "\n## ")
}
