// Package config is the TOML schema of the proxy plus its env overlay.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/wiloon/w-vproxy/connection"
	"github.com/wiloon/w-vproxy/processor"
	"github.com/wiloon/w-vproxy/secure"
	cfgfile "github.com/wiloon/w-vproxy/utils/config"
)

// EnvPrefix prefixes every environment override, e.g. VPROXY_LOG_LEVEL.
const EnvPrefix = "VPROXY_"

//goland:noinspection GoUnusedConst
const LogToFile = "file"
const LogLevelDebug = "debug"

//goland:noinspection GoUnusedConst
const LogLevelInfo = "info"

// ProtocolTCP forwards bytes without a processor.
const ProtocolTCP = "tcp"

const (
	DefaultAcceptor = "acceptor"
	DefaultWorker   = "worker"
)

type Project struct {
	Name   string `toml:"name" env:"PROJECT_NAME"`
	NoFile uint64 `toml:"nofile" env:"NOFILE"`
}

type Log struct {
	Console bool   `toml:"console" env:"LOG_CONSOLE"`
	File    bool   `toml:"file" env:"LOG_FILE"`
	Level   string `toml:"level" env:"LOG_LEVEL"`
}

type Metrics struct {
	Address string `toml:"address" env:"METRICS_ADDRESS"`
}

type EventLoopGroup struct {
	Name string `toml:"name"`
	Size int    `toml:"size"`
}

type Rule struct {
	Name    string `toml:"name"`
	Network string `toml:"network"`
	Ports   string `toml:"ports"`
	Allow   bool   `toml:"allow"`
}

type SecurityGroup struct {
	Name         string `toml:"name"`
	DefaultAllow bool   `toml:"default_allow"`
	Rules        []Rule `toml:"rule"`
}

type Server struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Weight  int    `toml:"weight"`
}

type ServerGroup struct {
	Name        string   `toml:"name"`
	MinCoolDown string   `toml:"min_cool_down"`
	MaxCoolDown string   `toml:"max_cool_down"`
	Servers     []Server `toml:"server"`
}

// CoolDown parses the configured bounds; empty values keep the defaults.
func (g *ServerGroup) CoolDown() (time.Duration, time.Duration, error) {
	min, max := time.Second, 30*time.Second
	var err error
	if g.MinCoolDown != "" {
		if min, err = time.ParseDuration(g.MinCoolDown); err != nil {
			return 0, 0, err
		}
	}
	if g.MaxCoolDown != "" {
		if max, err = time.ParseDuration(g.MaxCoolDown); err != nil {
			return 0, 0, err
		}
	}
	if min <= 0 || max < min {
		return 0, 0, fmt.Errorf("invalid cool down %s,%s", min, max)
	}
	return min, max, nil
}

type LB struct {
	Name            string `toml:"name"`
	Address         string `toml:"address"`
	Protocol        string `toml:"protocol"`
	Acceptor        string `toml:"acceptor"`
	Worker          string `toml:"worker"`
	ServerGroup     string `toml:"server_group"`
	SecurityGroup   string `toml:"security_group"`
	InBufferSize    int    `toml:"in_buffer_size"`
	OutBufferSize   int    `toml:"out_buffer_size"`
	AllowNonBackend bool   `toml:"allow_non_backend"`
}

type Config struct {
	Project         Project          `toml:"project"`
	Log             Log              `toml:"log"`
	Metrics         Metrics          `toml:"metrics"`
	EventLoopGroups []EventLoopGroup `toml:"event_loop_group"`
	SecurityGroups  []SecurityGroup  `toml:"security_group"`
	ServerGroups    []ServerGroup    `toml:"server_group"`
	LBs             []LB             `toml:"lb"`
}

func Default() *Config {
	return &Config{
		Project: Project{Name: "w-vproxy", NoFile: 65535},
		Log:     Log{Console: true, Level: LogLevelInfo},
		Metrics: Metrics{Address: ":9090"},
	}
}

// Parse decodes b over the defaults, applies env overrides and validates.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for _, section := range []any{&cfg.Project, &cfg.Log, &cfg.Metrics} {
		if err := env.ParseWithOptions(section, env.Options{Prefix: EnvPrefix}); err != nil {
			return nil, fmt.Errorf("env overrides: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads .env when present, then the named config file.
func LoadFile(fileName string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	b, path, err := cfgfile.LoadLocalConfig(fileName)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.EventLoopGroups) == 0 {
		c.EventLoopGroups = []EventLoopGroup{
			{Name: DefaultAcceptor, Size: 1},
			{Name: DefaultWorker, Size: runtime.NumCPU()},
		}
	}
	for i := range c.ServerGroups {
		for j := range c.ServerGroups[i].Servers {
			if c.ServerGroups[i].Servers[j].Weight == 0 {
				c.ServerGroups[i].Servers[j].Weight = 10
			}
		}
	}
	for i := range c.LBs {
		lb := &c.LBs[i]
		if lb.Protocol == "" {
			lb.Protocol = ProtocolTCP
		}
		if lb.Acceptor == "" {
			lb.Acceptor = DefaultAcceptor
		}
		if lb.Worker == "" {
			lb.Worker = DefaultWorker
		}
		if lb.SecurityGroup == "" {
			lb.SecurityGroup = secure.DefaultName
		}
		if lb.InBufferSize == 0 {
			lb.InBufferSize = connection.DefaultBufferSize
		}
		if lb.OutBufferSize == 0 {
			lb.OutBufferSize = connection.DefaultBufferSize
		}
	}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs error
	loops := map[string]bool{}
	for _, g := range c.EventLoopGroups {
		if g.Name == "" || loops[g.Name] {
			errs = multierr.Append(errs, fmt.Errorf("event loop group %q: empty or duplicate name", g.Name))
		}
		if g.Size <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("event loop group %s: size must be positive", g.Name))
		}
		loops[g.Name] = true
	}

	securityGroups := map[string]bool{secure.DefaultName: true}
	for _, g := range c.SecurityGroups {
		if g.Name == "" || securityGroups[g.Name] {
			errs = multierr.Append(errs, fmt.Errorf("security group %q: empty, duplicate or reserved name", g.Name))
		}
		securityGroups[g.Name] = true
		for _, r := range g.Rules {
			if _, err := secure.NewRule(r.Name, r.Network, r.Ports, r.Allow); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("security group %s: %w", g.Name, err))
			}
		}
	}

	serverGroups := map[string]bool{}
	for _, g := range c.ServerGroups {
		if g.Name == "" || serverGroups[g.Name] {
			errs = multierr.Append(errs, fmt.Errorf("server group %q: empty or duplicate name", g.Name))
		}
		serverGroups[g.Name] = true
		if _, _, err := g.CoolDown(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("server group %s: %w", g.Name, err))
		}
		servers := map[string]bool{}
		for _, s := range g.Servers {
			if s.Name == "" || servers[s.Name] || s.Address == "" || s.Weight <= 0 {
				errs = multierr.Append(errs, fmt.Errorf("server group %s: invalid server %q", g.Name, s.Name))
			}
			servers[s.Name] = true
		}
	}

	lbs := map[string]bool{}
	for _, lb := range c.LBs {
		if lb.Name == "" || lbs[lb.Name] {
			errs = multierr.Append(errs, fmt.Errorf("lb %q: empty or duplicate name", lb.Name))
		}
		lbs[lb.Name] = true
		if lb.Address == "" {
			errs = multierr.Append(errs, fmt.Errorf("lb %s: missing address", lb.Name))
		}
		if lb.Protocol != ProtocolTCP {
			if _, err := processor.Get(lb.Protocol); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("lb %s: %w", lb.Name, err))
			}
		}
		if !loops[lb.Acceptor] {
			errs = multierr.Append(errs, fmt.Errorf("lb %s: unknown event loop group %q", lb.Name, lb.Acceptor))
		}
		if !loops[lb.Worker] {
			errs = multierr.Append(errs, fmt.Errorf("lb %s: unknown event loop group %q", lb.Name, lb.Worker))
		}
		if !securityGroups[lb.SecurityGroup] {
			errs = multierr.Append(errs, fmt.Errorf("lb %s: unknown security group %q", lb.Name, lb.SecurityGroup))
		}
		if lb.ServerGroup == "" && !lb.AllowNonBackend {
			errs = multierr.Append(errs, fmt.Errorf("lb %s: needs a server group or allow_non_backend", lb.Name))
		}
		if lb.ServerGroup != "" && !serverGroups[lb.ServerGroup] {
			errs = multierr.Append(errs, fmt.Errorf("lb %s: unknown server group %q", lb.Name, lb.ServerGroup))
		}
		if lb.InBufferSize <= 0 || lb.OutBufferSize <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("lb %s: buffer sizes must be positive", lb.Name))
		}
	}
	return errs
}
