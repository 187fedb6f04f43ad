package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LLIEPJIOK/service-mesh/rpc/pkg/rpc/rpctest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a demo server with echo, add and counter methods",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Listen address")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
}

func newDemoServer() *rpctest.Server {
	cfg := rpctest.DefaultServerConfig()
	cfg.Logger = newLogger()
	server := rpctest.NewServer(cfg)

	server.Handle("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var args []any
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}

		return args, nil
	})

	server.Handle("add", func(ctx context.Context, params json.RawMessage) (any, error) {
		var nums []float64
		if err := json.Unmarshal(params, &nums); err != nil {
			return nil, err
		}

		sum := 0.0
		for _, n := range nums {
			sum += n
		}

		return sum, nil
	})

	server.HandleSubscription("counter", func(ctx context.Context, params json.RawMessage, stream *rpctest.Stream) error {
		var args []int
		if err := json.Unmarshal(params, &args); err != nil || len(args) != 1 {
			return fmt.Errorf("counter expects one integer argument")
		}

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for i := 0; i < args[0]; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			if err := stream.Send(i); err != nil {
				return err
			}
		}

		return nil
	})

	return server
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr := viper.GetString("addr")

	mux := http.NewServeMux()
	mux.Handle("/rpc", newDemoServer())

	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}()

	fmt.Printf("listening on %s/rpc\n", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
