// Command courier talks to courier services over a NATS server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/RobertWHurst/courier"
	"github.com/RobertWHurst/courier/tokens"
	"github.com/RobertWHurst/courier/transport/natstransport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootArgs struct {
	server    string
	name      string
	secret    string
	nkeySeed  string
	trust     []string
	logLevel  string
	chunkSize int
	compress  bool
}

var rootCmd = &cobra.Command{
	Use:           "courier",
	Short:         "Chunked, authenticated RPC over NATS",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	setupRootFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(requestCmd, publishCmd, listenCmd, echoCmd)
}

func setupRootFlags(f *pflag.FlagSet) {
	f.StringVarP(&rootArgs.server, "server", "s", envOr("COURIER_NATS_URL", nats.DefaultURL), "NATS server url")
	f.StringVarP(&rootArgs.name, "name", "n", envOr("COURIER_SERVICE_NAME", "courier-cli"), "service identity")
	f.StringVar(&rootArgs.secret, "secret", os.Getenv("COURIER_SECRET"), "shared HMAC secret")
	f.StringVar(&rootArgs.nkeySeed, "nkey-seed", os.Getenv("COURIER_NKEY_SEED"), "path to an nkey seed file, used instead of --secret")
	f.StringSliceVar(&rootArgs.trust, "trust", nil, "nkey public keys to accept tokens from")
	f.StringVar(&rootArgs.logLevel, "log-level", "info", "log level")
	f.IntVar(&rootArgs.chunkSize, "chunk-size", 0, "max chunk size in bytes, overrides COURIER_MAX_CHUNK_SIZE")
	f.BoolVar(&rootArgs.compress, "compress", false, "compress outbound payloads")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(rootArgs.logLevel)
	if err != nil {
		return zerolog.Logger{}, err
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(level).With().Timestamp().Str("svc", rootArgs.name).Logger(), nil
}

func newTokenService() (courier.TokenService, error) {
	if rootArgs.nkeySeed != "" {
		seed, err := os.ReadFile(rootArgs.nkeySeed)
		if err != nil {
			return nil, fmt.Errorf("reading nkey seed: %w", err)
		}
		return tokens.NewNKey(seed, rootArgs.trust...)
	}
	if rootArgs.secret == "" {
		return nil, fmt.Errorf("one of --secret or --nkey-seed is required")
	}
	return tokens.NewHMAC(rootArgs.name, rootArgs.secret), nil
}

// connect dials the server and starts a channel. The returned func stops the
// channel and closes the connection.
func connect(logger zerolog.Logger, opts ...courier.Option) (*courier.Channel, func(), error) {
	tokenService, err := newTokenService()
	if err != nil {
		return nil, nil, err
	}

	config := courier.LoadConfig()
	if rootArgs.chunkSize > 0 {
		config.MaxChunkSize = rootArgs.chunkSize
	}
	if rootArgs.compress {
		config.Compression = true
	}

	transport, err := natstransport.Connect(rootArgs.server, rootArgs.name)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", rootArgs.server, err)
	}

	opts = append([]courier.Option{courier.WithConfig(config), courier.WithLogger(logger)}, opts...)
	channel := courier.NewChannel(rootArgs.name, transport, tokenService, opts...)
	if err := channel.Start(); err != nil {
		_ = transport.Close()
		return nil, nil, err
	}

	return channel, func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
		defer cancel()
		if err := channel.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("channel did not drain")
		}
		if err := transport.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close connection")
		}
	}, nil
}
