package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stackup/internal/controller"
	"github.com/loykin/stackup/internal/env"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/service"
)

// FileConfig is the top-level stack file structure (TOML or YAML; the
// extension decides).
type FileConfig struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	VolumeDir string `mapstructure:"volume_dir"`

	Log      *LogConfig      `mapstructure:"log"`
	Defaults *DefaultsConfig `mapstructure:"defaults"`
	Services []ServiceConfig `mapstructure:"services"`
	Volumes  []VolumeConfig  `mapstructure:"volumes"`
	Store    *StoreConfig    `mapstructure:"store"`
	History  *HistoryConfig  `mapstructure:"history"`
	Server   *ServerConfig   `mapstructure:"server"`
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultsConfig holds stack-wide lifecycle fallbacks.
type DefaultsConfig struct {
	StartTimeout      time.Duration `mapstructure:"start_timeout"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	BackoffResetAfter time.Duration `mapstructure:"backoff_reset_after"`
}

// ServiceConfig is one [[services]] entry. Ports use the "host:container"
// string form and volumes the "name:/mount/path" form.
type ServiceConfig struct {
	Name         string        `mapstructure:"name"`
	Image        string        `mapstructure:"image"`
	Command      []string      `mapstructure:"command"`
	WorkDir      string        `mapstructure:"workdir"`
	Env          []string      `mapstructure:"env"`
	Restart      string        `mapstructure:"restart"`
	Ports        []string      `mapstructure:"ports"`
	Volumes      []string      `mapstructure:"volumes"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	MaxRestarts  int           `mapstructure:"max_restarts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	Log          *LogConfig    `mapstructure:"log"`
}

// VolumeConfig is one [[volumes]] entry. Path overrides the default
// location under volume_dir.
type VolumeConfig struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type ServerConfig struct {
	Listen        string     `mapstructure:"listen"`
	BasePath      string     `mapstructure:"base_path"`
	TLS           *TLSConfig `mapstructure:"tls"`
	TLSMinVersion string     `mapstructure:"tls_min_version"`
	TLSMaxVersion string     `mapstructure:"tls_max_version"`
}

// TLSConfig enables HTTPS on the API server. Either explicit cert/key files
// or a directory; with auto_generate a self-signed pair is created in the
// directory on first start.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS tunes self-signed certificate generation.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Load reads and decodes a stack file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// GlobalEnv builds the stack-level environment. Precedence: OS env when
// use_os_env is set, then env_files in order, then the top-level env list.
func (fc *FileConfig) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if fc.UseOSEnv {
		e.FromOS()
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	e.SetAll(fc.Env)
	return e, nil
}

// Specs converts the [[services]] entries into validated-shape specs.
// Registration performs the actual validation.
func (fc *FileConfig) Specs() ([]service.Spec, error) {
	out := make([]service.Spec, 0, len(fc.Services))
	for _, sc := range fc.Services {
		spec, err := fc.spec(sc)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func (fc *FileConfig) spec(sc ServiceConfig) (service.Spec, error) {
	var zero service.Spec

	restart := service.RestartNever
	if sc.Restart != "" {
		p, err := service.ParseRestartPolicy(sc.Restart)
		if err != nil {
			return zero, fmt.Errorf("service %q: %w", sc.Name, err)
		}
		restart = p
	}

	ports := make([]service.PortBinding, 0, len(sc.Ports))
	for _, s := range sc.Ports {
		pb, err := service.ParsePortBinding(s)
		if err != nil {
			return zero, fmt.Errorf("service %q: %w", sc.Name, err)
		}
		ports = append(ports, pb)
	}

	vols := make([]service.VolumeBinding, 0, len(sc.Volumes))
	for _, s := range sc.Volumes {
		vb, err := service.ParseVolumeBinding(s)
		if err != nil {
			return zero, fmt.Errorf("service %q: %w", sc.Name, err)
		}
		vols = append(vols, vb)
	}

	envMap := make(map[string]string, len(sc.Env))
	for _, kv := range sc.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			envMap[k] = v
		}
	}

	return service.Spec{
		Name:         sc.Name,
		Image:        sc.Image,
		Command:      append([]string(nil), sc.Command...),
		WorkDir:      sc.WorkDir,
		Env:          envMap,
		Restart:      restart,
		Ports:        ports,
		Volumes:      vols,
		StartTimeout: sc.StartTimeout,
		StopGrace:    sc.StopGrace,
		MaxRestarts:  sc.MaxRestarts,
		BackoffBase:  sc.BackoffBase,
		BackoffCap:   sc.BackoffCap,
		Log:          fc.logConfig(sc.Log),
	}, nil
}

// logConfig overlays a per-service [services.log] block on the stack-level
// [log] defaults.
func (fc *FileConfig) logConfig(own *LogConfig) logger.Config {
	var out logger.Config
	apply := func(lc *LogConfig) {
		if lc == nil {
			return
		}
		if lc.Dir != "" {
			out.Dir = lc.Dir
		}
		if lc.Stdout != "" {
			out.StdoutPath = lc.Stdout
		}
		if lc.Stderr != "" {
			out.StderrPath = lc.Stderr
		}
		if lc.MaxSizeMB != 0 {
			out.MaxSizeMB = lc.MaxSizeMB
		}
		if lc.MaxBackups != 0 {
			out.MaxBackups = lc.MaxBackups
		}
		if lc.MaxAgeDays != 0 {
			out.MaxAgeDays = lc.MaxAgeDays
		}
		if lc.Compress {
			out.Compress = true
		}
	}
	apply(fc.Log)
	apply(own)
	return out
}

// ControllerDefaults maps the [defaults] block; zero fields fall back to the
// controller's built-ins.
func (fc *FileConfig) ControllerDefaults() controller.Defaults {
	if fc.Defaults == nil {
		return controller.Defaults{}
	}
	return controller.Defaults{
		StartTimeout:      fc.Defaults.StartTimeout,
		StopGrace:         fc.Defaults.StopGrace,
		BackoffBase:       fc.Defaults.BackoffBase,
		BackoffCap:        fc.Defaults.BackoffCap,
		BackoffResetAfter: fc.Defaults.BackoffResetAfter,
	}
}

// VolumeBaseDir returns the directory volumes materialize under.
func (fc *FileConfig) VolumeBaseDir() string {
	if fc.VolumeDir != "" {
		return fc.VolumeDir
	}
	return filepath.Join(".", "volumes")
}

// ParseEnvFile parses a .env style file into a map. Exposed for the CLI's
// --env-file flag.
func ParseEnvFile(path string) (map[string]string, error) {
	return loadEnvFile(path)
}

// loadEnvFile parses KEY=VALUE lines; blank lines and # comments are
// ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			m[k] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
