package stackup

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/stackup/internal/config"
	"github.com/loykin/stackup/internal/controller"
	"github.com/loykin/stackup/internal/env"
	"github.com/loykin/stackup/internal/history"
	histfactory "github.com/loykin/stackup/internal/history/factory"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/runtime"
	iapi "github.com/loykin/stackup/internal/server"
	"github.com/loykin/stackup/internal/service"
	storefactory "github.com/loykin/stackup/internal/store/factory"
	"github.com/loykin/stackup/internal/volume"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = service.Spec

type Status = service.Status

type PortBinding = service.PortBinding

type VolumeBinding = service.VolumeBinding

type VolumeInfo = volume.Info

type State = service.State

type RestartPolicy = service.RestartPolicy

const (
	RestartNever     = service.RestartNever
	RestartOnFailure = service.RestartOnFailure
	RestartAlways    = service.RestartAlways
)

type HistorySink = history.Sink

type Runtime = runtime.Runtime

type Defaults = controller.Defaults

// Stack is a thin facade over the internal registry, volume store and
// lifecycle controller. It provides a stable public API for embedding.
type Stack struct {
	reg  *service.Registry
	vols *volume.Store
	ctl  *controller.Controller
}

// Option customizes a Stack at construction time.
type Option func(*options)

type options struct {
	volumeDir string
	rt        runtime.Runtime
	defaults  controller.Defaults
}

// WithVolumeDir sets the directory named volumes materialize under.
func WithVolumeDir(dir string) Option { return func(o *options) { o.volumeDir = dir } }

// WithRuntime replaces the process-exec runtime, e.g. with a fake in tests.
func WithRuntime(rt runtime.Runtime) Option { return func(o *options) { o.rt = rt } }

// WithDefaults overrides the stack-wide lifecycle fallbacks.
func WithDefaults(d controller.Defaults) Option { return func(o *options) { o.defaults = d } }

func New(opts ...Option) *Stack {
	o := options{volumeDir: "volumes"}
	for _, fn := range opts {
		fn(&o)
	}
	if o.rt == nil {
		o.rt = runtime.NewExecRuntime()
	}
	vols := volume.NewStore(o.volumeDir)
	reg := service.NewRegistry(vols)
	ctl := controller.New(reg, vols, o.rt, o.defaults)
	return &Stack{reg: reg, vols: vols, ctl: ctl}
}

// Register adds a validated service spec.
func (s *Stack) Register(spec Spec) error { return s.reg.Register(spec) }

// DeclareVolume declares a named volume without materializing it.
func (s *Stack) DeclareVolume(name string) error { return s.vols.Declare(name) }

// Up starts one service; an already running service is a no-op.
func (s *Stack) Up(ctx context.Context, name string) error { return s.ctl.Start(ctx, name) }

// UpAll starts every registered service in name order.
func (s *Stack) UpAll(ctx context.Context) error { return s.ctl.StartAll(ctx) }

// Down stops one service, waiting up to grace before force kill.
func (s *Stack) Down(ctx context.Context, name string, grace time.Duration) error {
	return s.ctl.Stop(ctx, name, grace)
}

// DownAll stops every live instance.
func (s *Stack) DownAll(ctx context.Context, grace time.Duration) error {
	return s.ctl.StopAll(ctx, grace)
}

// Remove discards a settled instance and releases its volume claims.
func (s *Stack) Remove(ctx context.Context, name string) error { return s.ctl.Remove(ctx, name) }

// Status returns the snapshot for one service.
func (s *Stack) Status(name string) (Status, error) { return s.ctl.Status(name) }

// StatusAll returns one snapshot per registered service, sorted by name.
func (s *Stack) StatusAll() []Status { return s.ctl.StatusAll() }

// Volumes lists declared volumes with their claim holders.
func (s *Stack) Volumes() []VolumeInfo { return s.vols.List() }

// RemoveVolume deletes an unclaimed volume and its backing directory.
func (s *Stack) RemoveVolume(name string) error { return s.vols.Remove(name) }

// SetGlobalEnv installs stack-level environment variables composed into
// every service's process environment.
func (s *Stack) SetGlobalEnv(kvs []string) {
	e := env.New()
	e.SetAll(kvs)
	s.ctl.SetGlobalEnv(e)
}

// SetEnv installs a fully built environment (OS base, files, overrides).
func (s *Stack) SetEnv(e *env.Env) { s.ctl.SetGlobalEnv(e) }

// SetStoreDSN attaches lifecycle persistence by DSN (sqlite:// or
// postgres://; a bare path means sqlite).
func (s *Stack) SetStoreDSN(ctx context.Context, dsn string) error {
	st, err := storefactory.NewFromDSN(dsn)
	if err != nil {
		return err
	}
	return s.ctl.SetStore(ctx, st)
}

// SetHistorySinkDSNs attaches lifecycle-event sinks by DSN (clickhouse://
// or opensearch://).
func (s *Stack) SetHistorySinkDSNs(dsns ...string) error {
	sinks := make([]history.Sink, 0, len(dsns))
	for _, dsn := range dsns {
		sink, err := histfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	s.ctl.SetHistorySinks(sinks...)
	return nil
}

// SetHistorySinks attaches pre-built lifecycle-event sinks.
func (s *Stack) SetHistorySinks(sinks ...HistorySink) { s.ctl.SetHistorySinks(sinks...) }

// PIDs returns the pid of every running instance, keyed by service name.
func (s *Stack) PIDs() map[string]int { return s.ctl.PIDs() }

// RunningCount reports how many instances are currently running.
func (s *Stack) RunningCount() int { return s.ctl.RunningCount() }

// Shutdown stops every instance and closes persistence.
func (s *Stack) Shutdown(ctx context.Context) error { return s.ctl.Shutdown(ctx) }

// LoadConfig reads a stack file (TOML or YAML).
func LoadConfig(path string) (*cfg.FileConfig, error) { return cfg.Load(path) }

// NewFromConfig builds a Stack from a stack file: volumes declared, specs
// registered, environment, store and history sinks applied.
func NewFromConfig(ctx context.Context, path string, opts ...Option) (*Stack, *cfg.FileConfig, error) {
	fc, err := cfg.Load(path)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]Option{
		WithVolumeDir(fc.VolumeBaseDir()),
		WithDefaults(fc.ControllerDefaults()),
	}, opts...)
	s := New(opts...)

	for _, vc := range fc.Volumes {
		if vc.Path != "" {
			err = s.vols.DeclareWithPath(vc.Name, vc.Path)
		} else {
			err = s.vols.Declare(vc.Name)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	// Stack files may reference volumes without a [[volumes]] block.
	s.reg.SetAutoDeclareVolumes(true)

	specs, err := fc.Specs()
	if err != nil {
		return nil, nil, err
	}
	for _, spec := range specs {
		if err := s.reg.Register(spec); err != nil {
			return nil, nil, err
		}
	}

	e, err := fc.GlobalEnv()
	if err != nil {
		return nil, nil, err
	}
	s.ctl.SetGlobalEnv(e)

	if fc.Store != nil && fc.Store.Enabled && fc.Store.DSN != "" {
		if err := s.SetStoreDSN(ctx, fc.Store.DSN); err != nil {
			return nil, nil, err
		}
	}
	if fc.History != nil && len(fc.History.Sinks) > 0 {
		if err := s.SetHistorySinkDSNs(fc.History.Sinks...); err != nil {
			return nil, nil, err
		}
	}
	return s, fc, nil
}

// NewHTTPServer starts an HTTP server exposing the stack API.
func NewHTTPServer(addr, basePath string, s *Stack) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.ctl, s.reg, s.vols, nil)
}

// NewHTTPSServer starts an HTTPS server exposing the stack API.
func NewHTTPSServer(addr, basePath string, s *Stack, tlsCfg *tls.Config) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.ctl, s.reg, s.vols, tlsCfg)
}

// NewHTTPHandler returns the stack API as an http.Handler for embedding in
// an existing server or mux.
func NewHTTPHandler(basePath string, s *Stack) http.Handler {
	return iapi.NewRouter(s.ctl, s.reg, s.vols, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It blocks in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

// NewResourceCollector samples cpu and memory for running services into the
// metrics registry.
func NewResourceCollector(s *Stack, interval time.Duration) *metrics.ResourceCollector {
	return metrics.NewResourceCollector(s.PIDs, interval)
}
