package daemon

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the daemon's Unix domain socket. The connection is lazy;
// a missing daemon surfaces on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Status is the health of each daemon service.
type Status struct {
	Daemon  string `json:"daemon"`
	Session string `json:"session"`
	Channel string `json:"channel"`
}

// Status queries every health service.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	for _, q := range []struct {
		service string
		out     *string
	}{
		{"", &st.Daemon},
		{ServiceSession, &st.Session},
		{ServiceChannel, &st.Channel},
	} {
		resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: q.service})
		if err != nil {
			return Status{}, err
		}
		*q.out = resp.GetStatus().String()
	}
	return st, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
