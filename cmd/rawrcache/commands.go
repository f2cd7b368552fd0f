package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Keksclan/rawrcache"
	"github.com/Keksclan/rawrcache/cache"
	"github.com/Keksclan/rawrcache/health"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var errNotFound = errors.New("not found")

// withStore opens a session and runs fn with the selected store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s cache.Store) error) error {
	ctx := cmd.Context()
	sess, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	s, err := sess.svc.Store(sess.factory, sess.namespace)
	if err != nil {
		return err
	}
	return fn(ctx, s)
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value stored under key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s cache.Store) error {
			e, ok, err := s.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(errNotFound, "key %q", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(e.Value))
			if viper.GetBool("verbose") {
				for i, v := range e.Indexes {
					fmt.Fprintf(out, "index[%d]: %s\n", i, v)
				}
				if !e.ExpiresAt.IsZero() {
					fmt.Fprintf(out, "expires: %s\n", e.ExpiresAt.Format(time.RFC3339))
				}
			}
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store value under key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		indexes, _ := cmd.Flags().GetStringArray("index")

		var opts []cache.PutOption
		if cmd.Flags().Changed("ttl") {
			opts = append(opts, cache.WithTTL(ttl))
		}
		if len(indexes) > 0 {
			opts = append(opts, cache.WithIndexes(indexes...))
		}
		return withStore(cmd, func(ctx context.Context, s cache.Store) error {
			err := s.Put(ctx, args[0], []byte(args[1]), opts...)
			var ierr *cache.IndexError
			if errors.As(err, &ierr) {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", ierr)
				return nil
			}
			return err
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s cache.Store) error {
			return s.Remove(ctx, args[0])
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry of the namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, s cache.Store) error {
			return s.Clear(ctx)
		})
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <slot> <index-key>",
	Short: "List the keys whose index slot holds index-key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrapf(err, "invalid slot %q", args[0])
		}
		return withStore(cmd, func(ctx context.Context, s cache.Store) error {
			is, ok := s.(cache.IndexedStore)
			if !ok {
				return errors.New("factory has no index slots configured")
			}
			keys, err := is.GetByIndex(ctx, slot, args[1])
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that every factory reaches its server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.Close()

		resp, err := health.NewHandler(sess.svc).Check(ctx, &health.CheckRequest{Factory: viper.GetString("factory")})
		if err != nil {
			return err
		}
		for _, st := range resp.Statuses {
			if st.Healthy {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tok\n", st.Name)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tdown\t%s\n", st.Name, st.Error)
		}
		if !resp.Healthy() {
			return errors.New("one or more factories are unhealthy")
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gRPC health check and Prometheus metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx := cmd.Context()
		sess, err := openSession(ctx, false, rawrcache.WithMetrics(prometheus.NewRegistry()))
		if err != nil {
			return err
		}
		defer sess.Close()

		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", grpcAddr)
		}
		gs := sess.svc.NewGRPCServer()
		hs := &http.Server{Addr: metricsAddr, Handler: sess.svc.MetricsHandler(), ReadHeaderTimeout: 5 * time.Second}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return gs.Serve(lis) })
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
		return g.Wait()
	},
}

func init() {
	putCmd.Flags().Duration("ttl", 0, "entry time-to-live, <= 0 never expires (default: factory setting)")
	putCmd.Flags().StringArray("index", nil, "index value for the next slot, repeatable")

	serveCmd.Flags().String("grpc-addr", ":50051", "gRPC health listen address")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics listen address")
}
