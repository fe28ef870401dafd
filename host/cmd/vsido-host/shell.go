package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"govsido/host/telemetry"
	"govsido/host/vsido"
	"govsido/protocol"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive command prompt on one connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bus := telemetry.New(&logger)
		client, err := connect(cmd, func(o *vsido.Options) { o.Telemetry = bus.Sink() })
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		if err := bus.SubscribeAll(func(f protocol.Frame) {
			fmt.Fprintf(out, "\n[unsolicited] %s\n", f)
		}); err != nil {
			return err
		}
		return runShell(cmd.Context(), client, cmd.InOrStdin(), out)
	},
}

// runShell reads commands from in until EOF or quit
func runShell(ctx context.Context, client *vsido.Client, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "vsido> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "quit", "exit", "q":
			return nil
		case "help", "?":
			printShellHelp(out)
			continue
		}

		op, rest, ok := findOperation(operations, parts)
		if !ok {
			fmt.Fprintf(out, "Unknown command: %s (type 'help' for available commands)\n", line)
			continue
		}
		if op.args != nil {
			if err := op.args(&cobra.Command{Use: op.name}, rest); err != nil {
				fmt.Fprintf(out, "Error: %v (usage: %s)\n", err, op.usage)
				continue
			}
		}
		if err := op.run(ctx, client, out, rest); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return scanner.Err()
}

func printShellHelp(out io.Writer) {
	fmt.Fprintln(out, "\nAvailable commands:")
	for _, op := range operations {
		if len(op.subs) == 0 {
			fmt.Fprintf(out, "  %-40s %s\n", op.usage, op.short)
			continue
		}
		for _, sub := range op.subs {
			fmt.Fprintf(out, "  %-40s %s\n", op.name+" "+sub.usage, sub.short)
		}
	}
	fmt.Fprintf(out, "  %-40s %s\n\n", "quit/exit/q", "Exit the shell")
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
