package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RobertWHurst/courier"
	"github.com/spf13/cobra"
)

var requestArgs struct {
	timeout time.Duration
}

var requestCmd = &cobra.Command{
	Use:   "request <subject> [payload|-]",
	Short: "call the service responding on subject and print its response",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		payload, err := readPayload(cmd, args)
		if err != nil {
			return err
		}

		channel, closeChannel, err := connect(logger)
		if err != nil {
			return err
		}
		defer closeChannel()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reply, err := channel.Request(ctx, args[0], payload, requestArgs.timeout)
		if err != nil {
			var remoteErr *courier.RemoteError
			if errors.As(err, &remoteErr) {
				return fmt.Errorf("remote error (%s): %s", remoteErr.Code, remoteErr.Message)
			}
			return err
		}
		if reply.NoResponders() {
			return fmt.Errorf("no responders on %s", args[0])
		}

		_, err = cmd.OutOrStdout().Write(reply.Data)
		return err
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <subject> [payload|-]",
	Short: "broadcast payload to every subscriber of subject",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		payload, err := readPayload(cmd, args)
		if err != nil {
			return err
		}

		channel, closeChannel, err := connect(logger, courier.WithPublishErrors())
		if err != nil {
			return err
		}
		defer closeChannel()

		return channel.Publish(args[0], payload)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen <subject>",
	Short: "print every message published to subject until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		channel, closeChannel, err := connect(logger)
		if err != nil {
			return err
		}
		defer closeChannel()

		out := cmd.OutOrStdout()
		_, err = channel.Subscribe(args[0], func(ctx context.Context, payload []byte) error {
			_, err := fmt.Fprintf(out, "%s\n", payload)
			return err
		})
		if err != nil {
			return err
		}

		logger.Info().Str("subject", args[0]).Msg("listening")
		return waitForSignal(cmd.Context())
	},
}

var echoCmd = &cobra.Command{
	Use:   "echo <subject>",
	Short: "answer calls on subject with their own payload until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		channel, closeChannel, err := connect(logger)
		if err != nil {
			return err
		}
		defer closeChannel()

		_, err = channel.Respond(args[0], func(ctx context.Context, payload []byte) ([]byte, error) {
			logger.Debug().Int("bytes", len(payload)).Msg("echoing")
			return payload, nil
		})
		if err != nil {
			return err
		}

		logger.Info().Str("subject", args[0]).Str("queue_group", channel.QueueGroup()).Msg("responding")
		return waitForSignal(cmd.Context())
	},
}

func init() {
	requestCmd.Flags().DurationVarP(&requestArgs.timeout, "timeout", "t", 0, "request timeout, defaults to COURIER_REQUEST_TIMEOUT")
}

// readPayload returns the second argument, or stdin when it is "-".
func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) < 2 {
		return nil, nil
	}
	if args[1] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return []byte(args[1]), nil
}

func waitForSignal(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
