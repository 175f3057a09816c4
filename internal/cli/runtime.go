package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ankittk/crew/internal/audit"
	"github.com/ankittk/crew/internal/config"
	"github.com/ankittk/crew/internal/coordinator"
	"github.com/ankittk/crew/internal/identity"
	"github.com/ankittk/crew/internal/otel"
	"github.com/ankittk/crew/internal/sandbox"
	sandboxdocker "github.com/ankittk/crew/internal/sandbox/docker"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/internal/store/postgres"
	"github.com/ankittk/crew/internal/store/sqlite"
)

type metricsAddrKey struct{}

func withMetricsAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, metricsAddrKey{}, addr)
}

func metricsAddrFrom(ctx context.Context) string {
	addr, _ := ctx.Value(metricsAddrKey{}).(string)
	return addr
}

// runtime holds everything a command needs, built from home + config.yaml.
type runtime struct {
	coord *coordinator.Coordinator
	owner identity.Owner
	cfg   config.Config

	store   store.Store
	metrics *http.Server
}

// openRuntime wires store, sandbox, audit and the coordinator for one
// command invocation.
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	ctx := cmd.Context()
	home := config.MustHomeFrom(ctx)
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	owner, err := identity.Resolve(home)
	if err != nil {
		return nil, err
	}

	var st store.Store
	switch cfg.DBDriver {
	case "sqlite":
		st, err = sqlite.Open(home)
	case "postgres":
		st, err = postgres.Open(cfg.DBURL)
	case "memory":
		st = store.NewMemory()
	default:
		err = fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
	if err != nil {
		return nil, err
	}

	var client sandbox.Client
	switch cfg.Sandbox {
	case "local":
		client = sandbox.NewLocal(home, cfg.ExecTimeout(), nil)
	case "docker":
		client, err = sandboxdocker.NewClient(sandboxdocker.ClientConfig{
			Image:   cfg.DockerImage,
			Timeout: cfg.ExecTimeout(),
		})
	default:
		err = fmt.Errorf("unknown sandbox %q", cfg.Sandbox)
	}
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	coord, err := coordinator.New(ctx, coordinator.Config{
		Store:       st,
		Sandbox:     client,
		Audit:       &audit.FileSink{Dir: home},
		MaxAttempts: cfg.MaxRecoveryAttempts,
		BackoffBase: cfg.BackoffBase(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	rt := &runtime{coord: coord, owner: owner, cfg: cfg, store: st}
	if addr := metricsAddrFrom(ctx); addr != "" {
		rt.metrics = serveMetrics(ctx, addr)
	}
	return rt, nil
}

func (rt *runtime) Close() {
	_ = rt.coord.Close()
	_ = rt.store.Close()
	if rt.metrics != nil {
		_ = rt.metrics.Close()
	}
}

// serveMetrics starts a best-effort /metrics endpoint for the lifetime of
// the command.
func serveMetrics(ctx context.Context, addr string) *http.Server {
	handler, err := otel.InitMeterProvider(ctx, "crew")
	if err != nil {
		return nil
	}
	if err := otel.InitMetrics(ctx); err != nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
