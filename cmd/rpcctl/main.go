package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LLIEPJIOK/service-mesh/rpc/pkg/rpc"
)

var rootCmd = &cobra.Command{
	Use:   "rpcctl",
	Short: "Call JSON-RPC methods over HTTP and websocket",
	Long: `rpcctl issues query, mutate and subscribe calls against a JSON-RPC server.

Arguments after the method are parsed as JSON; anything that is not valid
JSON is sent as a string.

Examples:
  rpcctl --host http://localhost:8080/rpc query users.get 42
  rpcctl mutate users.create '{"name":"ann"}'
  rpcctl subscribe counter 3`,
	SilenceUsage: true,
}

var queryCmd = &cobra.Command{
	Use:   "query <method> [args...]",
	Short: "Perform a read call",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd.Context(), args, func(ctx context.Context, p rpc.Procedure, params []any) (json.RawMessage, error) {
			return p.Query(ctx, params...)
		})
	},
}

var mutateCmd = &cobra.Command{
	Use:   "mutate <method> [args...]",
	Short: "Perform a write call",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd.Context(), args, func(ctx context.Context, p rpc.Procedure, params []any) (json.RawMessage, error) {
			return p.Mutate(ctx, params...)
		})
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <method> [args...]",
	Short: "Print pushed values until the stream ends or the command is interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubscribe,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("host", "http://localhost:8080/rpc", "Server URL (http or https)")
	rootCmd.PersistentFlags().Duration("reconnect-interval", time.Second, "Initial websocket reconnect delay")
	rootCmd.PersistentFlags().Duration("max-reconnect-interval", 30*time.Second, "Upper bound for the reconnect delay (0 = none)")
	rootCmd.PersistentFlags().Duration("unsubscribe-timeout", rpc.DefaultUnsubscribeTimeout, "How long to wait for the server to confirm an unsubscribe")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log transport activity to stderr")

	_ = viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("reconnect_interval", rootCmd.PersistentFlags().Lookup("reconnect-interval"))
	_ = viper.BindPFlag("max_reconnect_interval", rootCmd.PersistentFlags().Lookup("max-reconnect-interval"))
	_ = viper.BindPFlag("unsubscribe_timeout", rootCmd.PersistentFlags().Lookup("unsubscribe-timeout"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("RPC")
	viper.AutomaticEnv()

	rootCmd.AddCommand(queryCmd, mutateCmd, subscribeCmd, serveCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newClient(ctx context.Context, subscriptions bool) (*rpc.Client, error) {
	cfg := rpc.DefaultConfig(viper.GetString("host"))
	cfg.ReconnectInterval = viper.GetDuration("reconnect_interval")
	cfg.MaxReconnectInterval = viper.GetDuration("max_reconnect_interval")
	cfg.UnsubscribeTimeout = viper.GetDuration("unsubscribe_timeout")
	cfg.DisableSubscriptions = !subscriptions
	cfg.Logger = newLogger()

	tlsConfig, err := rpc.TLSConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS config: %w", err)
	}

	cfg.TLS = tlsConfig

	client, err := rpc.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return client, nil
}

// parseArgs keeps JSON arguments as values and passes everything else as a
// string, so `rpcctl query greet ann` works without quoting.
func parseArgs(args []string) []any {
	params := make([]any, 0, len(args))

	for _, arg := range args {
		var value any
		if err := json.Unmarshal([]byte(arg), &value); err != nil {
			value = arg
		}

		params = append(params, value)
	}

	return params
}

func procedure(client *rpc.Client, method string) rpc.Procedure {
	return client.Procedure(strings.Split(method, ".")...)
}

func runCall(
	ctx context.Context,
	args []string,
	call func(ctx context.Context, p rpc.Procedure, params []any) (json.RawMessage, error),
) error {
	client, err := newClient(ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := call(ctx, procedure(client, args[0]), parseArgs(args[1:]))
	if err != nil {
		return fmt.Errorf("%s failed: %w", args[0], err)
	}

	return printJSON(result)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newClient(ctx, true)
	if err != nil {
		return err
	}
	defer client.Close()

	done := make(chan error, 1)

	unsubscribe := procedure(client, args[0]).Subscribe(ctx, rpc.StreamHandlers{
		OnData: func(value json.RawMessage) {
			_ = printJSON(value)
		},
		OnError: func(err error) {
			done <- fmt.Errorf("subscription failed: %w", err)
		},
		OnEnd: func() {
			done <- nil
		},
	}, parseArgs(args[1:])...)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		unsubscribe()

		// A subscription still waiting for its id ends once the id arrives.
		select {
		case <-done:
		case <-time.After(time.Second):
		}

		// The deferred Close waits for the "_unsub" call to finish.
		return nil
	}
}

func printJSON(raw json.RawMessage) error {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}

	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
