package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/stackup"
	"github.com/loykin/stackup/internal/config"
	"github.com/loykin/stackup/internal/env"
	"github.com/loykin/stackup/internal/service"
	storefactory "github.com/loykin/stackup/internal/store/factory"
	apptls "github.com/loykin/stackup/internal/tls"
	"github.com/loykin/stackup/pkg/client"
)

type command struct{}

// newClient builds an API client for remote daemon mode.
func newClient(apiURL string, timeout time.Duration) *client.Client {
	return client.New(client.Config{BaseURL: apiURL, Timeout: timeout})
}

// Up starts services. With --api-url it asks the daemon; otherwise it loads
// the stack file, launches the requested services and returns.
func (command) Up(flags UpFlags, names []string) error {
	ctx := context.Background()
	if flags.APIUrl != "" {
		c := newClient(flags.APIUrl, flags.APITimeout)
		if len(names) == 0 {
			return c.Up(ctx, "")
		}
		var errs []error
		for _, n := range names {
			if err := c.Up(ctx, n); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n, err))
			}
		}
		return errors.Join(errs...)
	}

	st, _, err := stackup.NewFromConfig(ctx, flags.ConfigPath)
	if err != nil {
		return withCode(exitUsage, err)
	}
	if len(flags.EnvKVs) > 0 || len(flags.EnvFiles) > 0 || flags.UseOSEnv {
		e := env.New()
		if flags.UseOSEnv {
			e.FromOS()
		}
		for _, p := range flags.EnvFiles {
			pairs, err := config.ParseEnvFile(p)
			if err != nil {
				return withCode(exitUsage, err)
			}
			for k, v := range pairs {
				e.Set(k, v)
			}
		}
		e.SetAll(flags.EnvKVs)
		st.SetEnv(e)
	}
	if len(names) == 0 {
		return st.UpAll(ctx)
	}
	var errs []error
	for _, n := range names {
		if err := st.Up(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Down stops services. In local mode, live pids are recovered from the
// configured store and terminated; without a store there is nothing to act
// on and the daemon API must be used instead.
func (command) Down(flags DownFlags, names []string) error {
	ctx := context.Background()
	if flags.APIUrl != "" {
		c := newClient(flags.APIUrl, flags.APITimeout)
		if len(names) == 0 {
			return c.Down(ctx, "", flags.Wait)
		}
		var errs []error
		for _, n := range names {
			if err := c.Down(ctx, n, flags.Wait); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n, err))
			}
			if flags.Remove {
				if err := c.Remove(ctx, n); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n, err))
				}
			}
		}
		return errors.Join(errs...)
	}

	fc, err := stackup.LoadConfig(flags.ConfigPath)
	if err != nil {
		return withCode(exitUsage, err)
	}
	if fc.Store == nil || !fc.Store.Enabled || fc.Store.DSN == "" {
		return withCode(exitUsage, errors.New("down without --api-url requires a [store] block to locate running services"))
	}
	st, err := storefactory.NewFromDSN(fc.Store.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	recs, err := st.GetRunning(ctx, "")
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	wait := flags.Wait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	var errs []error
	for _, rec := range recs {
		if len(want) > 0 && !want[rec.Name] {
			continue
		}
		if err := terminatePID(ctx, rec.PID, wait); err != nil {
			errs = append(errs, fmt.Errorf("stop %q (pid %d): %w", rec.Name, rec.PID, err))
			continue
		}
		if err := st.RecordStop(ctx, rec.Uniq, time.Now(), 0, nil); err != nil {
			errs = append(errs, fmt.Errorf("record stop %q: %w", rec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// terminatePID sends a graceful terminate, waits up to grace, then kills.
func terminatePID(ctx context.Context, pid int, grace time.Duration) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// already gone
		return nil
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if up, err := p.IsRunningWithContext(ctx); err != nil || !up {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return p.KillWithContext(ctx)
}

// Status prints service snapshots: from the daemon with --api-url, else a
// merge of the stack file's services with the store's live records.
func (command) Status(flags StatusFlags, names []string) error {
	ctx := context.Background()
	if flags.APIUrl != "" {
		c := newClient(flags.APIUrl, flags.APITimeout)
		if len(names) == 1 {
			st, err := c.Status(ctx, names[0])
			if err != nil {
				return err
			}
			return printStatuses(flags.JSON, []client.ServiceStatus{st})
		}
		sts, err := c.StatusAll(ctx)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			sts = filterStatuses(sts, names)
		}
		return printStatuses(flags.JSON, sts)
	}

	fc, err := stackup.LoadConfig(flags.ConfigPath)
	if err != nil {
		return withCode(exitUsage, err)
	}
	byName := make(map[string]client.ServiceStatus, len(fc.Services))
	order := make([]string, 0, len(fc.Services))
	for _, sc := range fc.Services {
		byName[sc.Name] = client.ServiceStatus{Name: sc.Name, State: service.StatePending.String()}
		order = append(order, sc.Name)
	}
	if fc.Store != nil && fc.Store.Enabled && fc.Store.DSN != "" {
		st, err := storefactory.NewFromDSN(fc.Store.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		recs, err := st.GetRunning(ctx, "")
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if _, known := byName[rec.Name]; !known {
				order = append(order, rec.Name)
			}
			byName[rec.Name] = client.ServiceStatus{
				Name:      rec.Name,
				State:     rec.State,
				PID:       rec.PID,
				Restarts:  rec.Restarts,
				StartedAt: rec.StartedAt,
			}
		}
	}
	out := make([]client.ServiceStatus, 0, len(order))
	for _, n := range order {
		out = append(out, byName[n])
	}
	if len(names) > 0 {
		out = filterStatuses(out, names)
	}
	return printStatuses(flags.JSON, out)
}

func filterStatuses(sts []client.ServiceStatus, names []string) []client.ServiceStatus {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := sts[:0]
	for _, st := range sts {
		if want[st.Name] {
			out = append(out, st)
		}
	}
	return out
}

func printStatuses(asJSON bool, sts []client.ServiceStatus) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sts)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPID\tRESTARTS\tSTARTED")
	for _, st := range sts {
		started := ""
		if !st.StartedAt.IsZero() {
			started = st.StartedAt.Format(time.RFC3339)
		}
		pid := ""
		if st.PID > 0 {
			pid = fmt.Sprintf("%d", st.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", st.Name, st.State, pid, st.Restarts, started)
	}
	return w.Flush()
}

// Logs prints the captured stdout (or stderr) of one service.
func (command) Logs(flags LogsFlags, name string) error {
	fc, err := stackup.LoadConfig(flags.ConfigPath)
	if err != nil {
		return withCode(exitUsage, err)
	}
	specs, err := fc.Specs()
	if err != nil {
		return withCode(exitUsage, err)
	}
	var spec *stackup.Spec
	for i := range specs {
		if specs[i].Name == name {
			spec = &specs[i]
			break
		}
	}
	if spec == nil {
		return withCode(exitUsage, fmt.Errorf("%w: %s", service.ErrUnknownService, name))
	}
	if !spec.Log.Enabled() {
		return fmt.Errorf("service %q has no log capture configured", name)
	}
	stdout, stderr := spec.Log.Paths(name)
	path := stdout
	if flags.Stderr {
		path = stderr
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out := string(b)
	if flags.TailLines > 0 {
		lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
		if len(lines) > flags.TailLines {
			lines = lines[len(lines)-flags.TailLines:]
		}
		out = strings.Join(lines, "\n") + "\n"
	}
	_, err = os.Stdout.WriteString(out)
	return err
}

// VolumeList prints declared volumes.
func (command) VolumeList(flags VolumeFlags) error {
	ctx := context.Background()
	var vols []client.VolumeInfo
	if flags.APIUrl != "" {
		c := newClient(flags.APIUrl, flags.APITimeout)
		vs, err := c.Volumes(ctx)
		if err != nil {
			return err
		}
		vols = vs
	} else {
		st, _, err := stackup.NewFromConfig(ctx, flags.ConfigPath)
		if err != nil {
			return withCode(exitUsage, err)
		}
		for _, v := range st.Volumes() {
			vols = append(vols, client.VolumeInfo{
				Name: v.Name, Path: v.Path, Materialized: v.Materialized, UsedBy: v.UsedBy,
			})
		}
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPATH\tMATERIALIZED\tUSED BY")
	for _, v := range vols {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", v.Name, v.Path, v.Materialized, strings.Join(v.UsedBy, ","))
	}
	return w.Flush()
}

// VolumeRemove deletes an unclaimed volume and its data.
func (command) VolumeRemove(flags VolumeFlags, name string) error {
	ctx := context.Background()
	if flags.APIUrl != "" {
		return newClient(flags.APIUrl, flags.APITimeout).RemoveVolume(ctx, name)
	}
	st, _, err := stackup.NewFromConfig(ctx, flags.ConfigPath)
	if err != nil {
		return withCode(exitUsage, err)
	}
	return st.RemoveVolume(name)
}

// Serve runs the supervising daemon: stack loaded, API served, restart
// policies active until SIGINT/SIGTERM.
func (command) Serve(flags ServeFlags) error {
	ctx := context.Background()
	st, fc, err := stackup.NewFromConfig(ctx, flags.ConfigPath)
	if err != nil {
		return withCode(exitUsage, err)
	}

	if err := stackup.RegisterMetricsDefault(); err != nil {
		return err
	}
	collector := stackup.NewResourceCollector(st, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	if flags.MetricsAddr != "" {
		go func() { _ = stackup.ServeMetrics(flags.MetricsAddr) }()
	}

	listen := flags.Listen
	basePath := flags.BasePath
	var serverCfg config.ServerConfig
	if fc.Server != nil {
		serverCfg = *fc.Server
		if listen == "" {
			listen = fc.Server.Listen
		}
		if basePath == "" {
			basePath = fc.Server.BasePath
		}
	}
	if listen == "" {
		listen = ":8080"
	}
	if basePath == "" {
		basePath = "/api"
	}
	tlsCfg, err := apptls.Setup(serverCfg)
	if err != nil {
		return withCode(exitUsage, err)
	}
	var srv *http.Server
	if tlsCfg != nil {
		srv, err = stackup.NewHTTPSServer(listen, basePath, st, tlsCfg)
	} else {
		srv, err = stackup.NewHTTPServer(listen, basePath, st)
	}
	if err != nil {
		return err
	}

	var upErr error
	if flags.UpAll {
		upErr = st.UpAll(ctx)
		if upErr != nil {
			_, _ = fmt.Fprintln(os.Stderr, "some services failed to start:", upErr)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	_, _ = fmt.Fprintf(os.Stderr, "shutting down (%d running)\n", st.RunningCount())

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	return st.Shutdown(shutCtx)
}
