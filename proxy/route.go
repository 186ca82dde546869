package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/wiloon/w-vproxy/connection"
	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/metrics"
	"github.com/wiloon/w-vproxy/route"
	"github.com/wiloon/w-vproxy/utils"
	"github.com/wiloon/w-vproxy/utils/logger"
)

const resolveTimeout = 5 * time.Second

// pick resolves a processor target. An empty target uses the LB's server
// group, a target naming a group uses that group, anything else is dialed
// as is when the LB allows non backends. The returned group is nil for a
// direct target.
func (lb *LB) pick(target string) (route.Backend, *route.Group, error) {
	if target == "" {
		if lb.cfg.ServerGroup == nil {
			return route.Backend{}, nil, fmt.Errorf("lb %s has no server group: %w", lb.cfg.Name, errdefs.ErrBackendUnavailable)
		}
		b, err := lb.cfg.ServerGroup.Next()
		return b, lb.cfg.ServerGroup, err
	}
	if lb.cfg.Groups != nil {
		if g, err := lb.cfg.Groups.Get(target); err == nil {
			b, err := g.Next()
			return b, g, err
		}
	}
	if !lb.cfg.AllowNonBackend {
		return route.Backend{}, nil, fmt.Errorf("%s is not a backend of lb %s: %w", target, lb.cfg.Name, errdefs.ErrBackendUnavailable)
	}
	return route.Backend{Name: target, Address: target}, nil, nil
}

// resolve hands the dialable form of address to done on loop. IP literals are
// passed through at once; names are looked up on their own goroutine so the
// loop never waits for DNS. A malformed address is returned and done is not
// called.
func (lb *LB) resolve(loop *connection.NetEventLoop, address string, done func(string, error)) error {
	if utils.IsLiteral(address) {
		done(address, nil)
		return nil
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		resolved, lookupErr := lookup(ctx, host, port)
		if err := loop.RunOnLoop(func() { done(resolved, lookupErr) }); err != nil {
			logger.Debugf("lb %s: %s resolved after its loop closed: %v", lb.cfg.Name, address, err)
		}
	}()
	return nil
}

// lookup prefers IPv4 addresses.
func lookup(ctx context.Context, host, port string) (string, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no address for %s", host)
	}
	ip := addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			ip = a.IP
			break
		}
	}
	return net.JoinHostPort(ip.String(), port), nil
}

// dial connects to b at address, the resolved form of b.Address.
func (lb *LB) dial(b route.Backend, g *route.Group, address string) (*connection.ClientConnection, error) {
	c, err := connection.NewClientConnection(address, lb.cfg.InBufferSize, lb.cfg.OutBufferSize)
	if err != nil {
		lb.connectFailed(b, g, err)
		return nil, err
	}
	return c, nil
}

func (lb *LB) connectFailed(b route.Backend, g *route.Group, err error) {
	metrics.BackendConnectFailures.WithLabelValues(b.Group, b.Name).Inc()
	logger.Warnf("lb %s: connect to %s (%s) failed: %v", lb.cfg.Name, b.Name, b.Address, err)
	if g != nil {
		g.MarkDown(b.Name)
	}
}

func (lb *LB) connectSucceeded(b route.Backend, g *route.Group) {
	if g != nil {
		g.MarkUp(b.Name)
	}
}
