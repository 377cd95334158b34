package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aaviondb/aaviondb/internal/scope"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive statement loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runREPL()
	},
}

func init() {
	rootCmd.AddCommand(replCmd)
}

func runREPL() error {
	rt, err := runtimeUp()
	if err != nil {
		return err
	}
	defer rt.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("AavionDB. Type a statement, 'help' for commands, 'exit' to leave.")
	}

	ctx := scope.WithScope(context.Background(), scope.Bootstrap())
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for {
		if interactive {
			fmt.Print("aavion> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		resp := rt.Dispatcher.Execute(ctx, line)
		// REPL keeps going on command errors; only I/O ends the loop.
		_ = printEnvelope(resp)
	}
	return scanner.Err()
}
