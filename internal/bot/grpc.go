package bot

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/audiohook-gateway/internal/resilience"
	"github.com/lexiqai/audiohook-gateway/internal/tts"
)

// Full method names of the bot service. Requests and replies are
// google.protobuf.Struct so no generated stubs are needed.
const (
	methodResolve = "/audiohook.bot.v1.BotService/Resolve"
	methodStart   = "/audiohook.bot.v1.BotService/Start"
	methodRespond = "/audiohook.bot.v1.BotService/Respond"
)

// GRPCConfig configures the gRPC bot backend.
type GRPCConfig struct {
	Target     string
	TLSEnabled bool
	Timeout    time.Duration
}

// GRPCResolver talks to a bot service over a single long-lived connection.
type GRPCResolver struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	synth   tts.Synthesizer
	guard   *resilience.Guard
	logger  zerolog.Logger
}

// NewGRPCResolver creates the client connection. The connection is
// established lazily on the first call.
func NewGRPCResolver(cfg GRPCConfig, synth tts.Synthesizer, guard *resilience.Guard, logger zerolog.Logger) (*GRPCResolver, error) {
	var opts []grpc.DialOption
	if cfg.TLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot client for %s: %w", cfg.Target, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &GRPCResolver{
		conn:    conn,
		timeout: timeout,
		synth:   synth,
		guard:   guard,
		logger:  logger.With().Str("component", "bot_grpc").Str("target", cfg.Target).Logger(),
	}, nil
}

func (r *GRPCResolver) Resolve(ctx context.Context, connectionURL string, vars map[string]string) (Resource, error) {
	reply, err := r.invoke(ctx, methodResolve, map[string]any{
		"connection_url":  connectionURL,
		"input_variables": stringMap(vars),
	}, true)
	if err != nil {
		return nil, err
	}

	fields := reply.GetFields()
	if !fields["found"].GetBoolValue() {
		return nil, ErrBotNotFound
	}
	return &grpcResource{resolver: r, botID: fields["bot_id"].GetStringValue()}, nil
}

// Ready reports whether the connection is usable.
func (r *GRPCResolver) Ready(ctx context.Context) error {
	switch state := r.conn.GetState(); state {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return fmt.Errorf("bot connection is %s", state)
	case connectivity.Idle:
		r.conn.Connect()
	}
	return nil
}

// Close closes the connection.
func (r *GRPCResolver) Close() error {
	return r.conn.Close()
}

// invoke calls method once through the breaker, or with retries when the
// call is idempotent.
func (r *GRPCResolver) invoke(ctx context.Context, method string, req map[string]any, idempotent bool) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}

	run := r.guard.Once
	if idempotent {
		run = r.guard.Do
	}

	out := &structpb.Struct{}
	err = run(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.conn.Invoke(ctx, method, in, out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return out, nil
}

type grpcResource struct {
	resolver *GRPCResolver
	botID    string
	session  string
}

func (b *grpcResource) InitialResponse(ctx context.Context, connectionURL string, vars map[string]string) (*Response, error) {
	reply, err := b.resolver.invoke(ctx, methodStart, map[string]any{
		"bot_id":          b.botID,
		"connection_url":  connectionURL,
		"input_variables": stringMap(vars),
	}, false)
	if err != nil {
		return nil, err
	}
	b.session = reply.GetFields()["session"].GetStringValue()
	return b.response(ctx, reply), nil
}

func (b *grpcResource) Respond(ctx context.Context, input string) (*Response, error) {
	reply, err := b.resolver.invoke(ctx, methodRespond, map[string]any{
		"bot_id":  b.botID,
		"session": b.session,
		"message": input,
	}, false)
	if err != nil {
		return nil, err
	}
	return b.response(ctx, reply), nil
}

func (b *grpcResource) response(ctx context.Context, reply *structpb.Struct) *Response {
	fields := reply.GetFields()
	return speak(ctx, b.resolver.synth, b.resolver.logger,
		fields["message"].GetStringValue(),
		fields["end_session"].GetBoolValue())
}

func stringMap(vars map[string]string) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
