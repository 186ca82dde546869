package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/multierr"

	"github.com/wiloon/w-vproxy/config"
	"github.com/wiloon/w-vproxy/loopgroup"
	"github.com/wiloon/w-vproxy/metrics"
	_ "github.com/wiloon/w-vproxy/processor/lenprefix"
	_ "github.com/wiloon/w-vproxy/processor/socks5"
	"github.com/wiloon/w-vproxy/proxy"
	"github.com/wiloon/w-vproxy/route"
	"github.com/wiloon/w-vproxy/secure"
	"github.com/wiloon/w-vproxy/utils"
	cfgfile "github.com/wiloon/w-vproxy/utils/config"
	"github.com/wiloon/w-vproxy/utils/logger"
)

var configFile = flag.String("config", cfgfile.DefaultFileName, "config file name, looked up in $app_config, the executable dir and the working dir")

// instance is everything built from one config.
type instance struct {
	loopGroups     []*loopgroup.EventLoopGroup
	securityGroups *secure.SecurityGroupHolder
	serverGroups   *route.Groups
	lbs            []*proxy.LB
}

func build(cfg *config.Config) (*instance, error) {
	in := &instance{securityGroups: secure.NewSecurityGroupHolder(), serverGroups: route.NewGroups()}
	loops := map[string]*loopgroup.EventLoopGroup{}
	for _, c := range cfg.EventLoopGroups {
		g, err := loopgroup.New(c.Name, c.Size)
		if err != nil {
			_ = in.stop()
			return nil, err
		}
		in.loopGroups = append(in.loopGroups, g)
		loops[c.Name] = g
	}

	for _, c := range cfg.SecurityGroups {
		if err := in.securityGroups.Add(c.Name, c.DefaultAllow); err != nil {
			_ = in.stop()
			return nil, err
		}
		sg, _ := in.securityGroups.Get(c.Name)
		for _, r := range c.Rules {
			rule, err := secure.NewRule(r.Name, r.Network, r.Ports, r.Allow)
			if err == nil {
				err = sg.AddRule(rule)
			}
			if err != nil {
				_ = in.stop()
				return nil, fmt.Errorf("security group %s: %w", c.Name, err)
			}
		}
	}

	for _, c := range cfg.ServerGroups {
		g := route.NewGroup(c.Name)
		min, max, err := c.CoolDown()
		if err != nil {
			_ = in.stop()
			return nil, fmt.Errorf("server group %s: %w", c.Name, err)
		}
		g.SetCoolDown(min, max)
		for _, s := range c.Servers {
			if err := g.Add(s.Name, s.Address, s.Weight); err != nil {
				_ = in.stop()
				return nil, err
			}
		}
		if err := in.serverGroups.Add(g); err != nil {
			_ = in.stop()
			return nil, err
		}
	}

	for _, c := range cfg.LBs {
		lb, err := in.newLB(c, loops)
		if err != nil {
			_ = in.stop()
			return nil, err
		}
		in.lbs = append(in.lbs, lb)
	}
	return in, nil
}

func (in *instance) newLB(c config.LB, loops map[string]*loopgroup.EventLoopGroup) (*proxy.LB, error) {
	sg, err := in.securityGroups.Get(c.SecurityGroup)
	if err != nil {
		return nil, fmt.Errorf("lb %s: %w", c.Name, err)
	}
	var group *route.Group
	if c.ServerGroup != "" {
		if group, err = in.serverGroups.Get(c.ServerGroup); err != nil {
			return nil, fmt.Errorf("lb %s: %w", c.Name, err)
		}
	}
	return proxy.New(proxy.Config{
		Name:            c.Name,
		Address:         c.Address,
		Protocol:        c.Protocol,
		Acceptor:        loops[c.Acceptor],
		Worker:          loops[c.Worker],
		ServerGroup:     group,
		Groups:          in.serverGroups,
		AllowNonBackend: c.AllowNonBackend,
		SecurityGroup:   sg,
		InBufferSize:    c.InBufferSize,
		OutBufferSize:   c.OutBufferSize,
	})
}

func (in *instance) start() error {
	for _, g := range in.loopGroups {
		g.Start()
	}
	for _, lb := range in.lbs {
		if err := lb.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (in *instance) stop() error {
	var errs error
	for _, lb := range in.lbs {
		errs = multierr.Append(errs, lb.Stop())
	}
	for _, g := range in.loopGroups {
		errs = multierr.Append(errs, g.Close())
	}
	return errs
}

func (in *instance) router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	r.HandleFunc("/lb", in.handleListLBs).Methods(http.MethodGet)
	r.HandleFunc("/lb/{name}", in.handleGetLB).Methods(http.MethodGet)
	return r
}

func (in *instance) handleListLBs(w http.ResponseWriter, _ *http.Request) {
	for _, lb := range in.lbs {
		_, _ = fmt.Fprintln(w, lb.Name())
	}
}

func (in *instance) handleGetLB(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, lb := range in.lbs {
		if lb.Name() == name {
			_, _ = fmt.Fprintf(w, "%s -> bind %s protocol %s\n", lb.Name(), lb.BindAddress(), lb.Protocol())
			return
		}
	}
	http.Error(w, fmt.Sprintf("lb %s not found", name), http.StatusNotFound)
}

func main() {
	flag.Parse()
	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		panic(err)
	}
	logger.InitTo(cfg.Log.Console, cfg.Log.File, cfg.Log.Level, cfg.Project.Name)
	defer logger.Sync()
	utils.SetNoFileLimit(cfg.Project.NoFile, cfg.Project.NoFile)

	in, err := build(cfg)
	if err != nil {
		logger.Errorf("failed to build %s: %v", cfg.Project.Name, err)
		return
	}
	if err := in.start(); err != nil {
		logger.Errorf("failed to start %s: %v", cfg.Project.Name, err)
		_ = in.stop()
		return
	}

	httpServer := &http.Server{Addr: cfg.Metrics.Address, Handler: in.router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("metrics listening on %s", cfg.Metrics.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server: %v", err)
		}
	}()

	utils.WaitSignals(func() {
		logger.Infof("%s shutting down", cfg.Project.Name)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warnf("metrics server shutdown: %v", err)
		}
		if err := in.stop(); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
	})
}
