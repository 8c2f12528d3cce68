package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Configuration errors.
var (
	ErrNoEndpoint = errors.New("remote endpoint is required")
)

// ClientConfig holds the configuration for the Executor client.
type ClientConfig struct {
	// Endpoint is the gRPC endpoint (host:port). Required.
	Endpoint string

	// Token is sent in the x-token header. Supports ${VAR_NAME} expansion.
	Token string

	// UseTLS enables TLS for the connection.
	UseTLS bool

	// KeepaliveTime is the interval between keepalive pings.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long to wait for a keepalive response.
	KeepaliveTimeout time.Duration

	// MaxMessageSize bounds received and sent messages.
	MaxMessageSize int
}

// DefaultClientConfig returns a default client configuration.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:         endpoint,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
	}
}

// Client calls a remote bytevm.Executor service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the service. Extra options are appended to the
// defaults.
func Dial(ctx context.Context, config ClientConfig, extra ...grpc.DialOption) (*Client, error) {
	if config.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(jsonCodec{}),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	if config.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}

	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      expandEnvVars(config.Token),
			requireTLS: config.UseTLS,
		}))
	}

	//nolint:staticcheck // DialContext keeps passthrough resolution for custom dialers
	conn, err := grpc.DialContext(ctx, config.Endpoint, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Execute runs a program remotely.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	resp := new(ExecuteResponse)
	if err := c.conn.Invoke(ctx, executeMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		tokenHeader: t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

// expandEnvVars expands ${VAR} references in a string.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start
		result = result[:start] + os.Getenv(result[start+2:end]) + result[end+1:]
	}
	return result
}
