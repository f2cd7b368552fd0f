// Command rawrcache inspects and edits cache namespaces described by a
// rawrcache configuration file.
//
//	rawrcache --config cache.yaml --factory sessions --namespace users put alice '{"id":1}' --index alice@example.com
//	rawrcache --config cache.yaml --factory sessions --namespace users lookup 0 alice@example.com
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Keksclan/rawrcache"
	"github.com/Keksclan/rawrcache/config"
	"github.com/Keksclan/rawrcache/tracing"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var rootCmd = &cobra.Command{
	Use:           "rawrcache",
	Short:         "Inspect and edit rawrcache namespaces",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	viper.SetEnvPrefix("rawrcache")
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "configuration file (env RAWRCACHE_CONFIG)")
	flags.String("factory", "", "factory name (env RAWRCACHE_FACTORY)")
	flags.String("namespace", "default", "cache namespace (env RAWRCACHE_NAMESPACE)")
	flags.Bool("trace", false, "print a span per cache operation to stdout")
	flags.Bool("verbose", false, "log factory lifecycle events")

	for _, name := range []string{"config", "factory", "namespace", "trace", "verbose"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(getCmd, putCmd, removeCmd, clearCmd, lookupCmd, healthCmd, serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "rawrcache:", err)
		os.Exit(1)
	}
}

// session is a started service plus the selected factory and namespace.
type session struct {
	svc       *rawrcache.Service
	factory   string
	namespace string
	shutdown  func(context.Context) error
}

func (s *session) Close() {
	if err := s.svc.Stop(); err != nil {
		slog.Warn("stop service", slog.Any("error", err))
	}
	s.release()
}

// release flushes the tracer provider, if any.
func (s *session) release() {
	if s.shutdown != nil {
		_ = s.shutdown(context.Background())
	}
}

// openSession loads the configuration and starts the service. When
// needFactory is set the --factory flag must name a configured factory;
// with a single configured factory it may be omitted.
func openSession(ctx context.Context, needFactory bool, extra ...rawrcache.Option) (*session, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	opts := []rawrcache.Option{rawrcache.WithLogger(logger)}

	sess := &session{namespace: viper.GetString("namespace")}
	if viper.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, errors.Wrap(err, "failed to create trace exporter")
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		sess.shutdown = tp.Shutdown
		opts = append(opts, rawrcache.WithTracing(&tracing.TracingConfig{TracerProvider: tp, RecordKeys: true}))
	}

	svc, err := rawrcache.NewServiceFromConfig(cfg, append(opts, extra...)...)
	if err != nil {
		sess.release()
		return nil, err
	}
	sess.svc = svc

	if needFactory {
		sess.factory = viper.GetString("factory")
		if sess.factory == "" && len(cfg.Factories) == 1 {
			sess.factory = cfg.Factories[0].Name
		}
		if _, ok := svc.Factory(sess.factory); !ok {
			sess.release()
			return nil, errors.Errorf("unknown factory %q, use --factory", sess.factory)
		}
	}

	if err := svc.Start(ctx); err != nil {
		sess.release()
		return nil, errors.Wrap(err, "failed to start cache service")
	}
	return sess, nil
}
