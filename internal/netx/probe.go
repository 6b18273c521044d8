package netx

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Probe answers whether the sync backend can currently be reached.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// ProbeFunc adapts a plain function to Probe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Reachable(ctx context.Context) bool { return f(ctx) }

// AlwaysReachable is used when no reachability endpoint is configured.
var AlwaysReachable Probe = ProbeFunc(func(context.Context) bool { return true })

// GRPCHealthProbe asks a standard grpc.health.v1 endpoint whether it is
// SERVING.
type GRPCHealthProbe struct {
	conn    *grpc.ClientConn
	client  grpc_health_v1.HealthClient
	service string
	timeout time.Duration
}

// NewGRPCHealthProbe prepares a probe for addr. The connection is lazy, so
// an unreachable addr is not an error here.
func NewGRPCHealthProbe(addr, service string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCHealthProbe, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GRPCHealthProbe{
		conn:    conn,
		client:  grpc_health_v1.NewHealthClient(conn),
		service: service,
		timeout: timeout,
	}, nil
}

func (p *GRPCHealthProbe) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: p.service})
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

func (p *GRPCHealthProbe) Close() error {
	return p.conn.Close()
}
