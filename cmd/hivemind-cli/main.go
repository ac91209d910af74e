// Command hivemind-cli is a thin collaborator around the client
// library: it builds a hivemind.Client and an in-process bus, wires a
// subcommand's intent to an envelope, and exits. It carries no
// protocol logic of its own. Grounded on tzrikka-timpani's
// cmd/timpani/main.go (cli.Command/Flags/Action shape) and
// cmd/server/main.go's zap-sugared-logger setup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/jarbashivemind/hivemind-go/internal/bus"
	"github.com/jarbashivemind/hivemind-go/internal/envelope"
	"github.com/jarbashivemind/hivemind-go/internal/hivemind"
)

const (
	exitOK       = 0
	exitArgError = 1
	exitConnFail = 2
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	sugar := logger.Sugar()

	cmd := &cli.Command{
		Name:  "hivemind-cli",
		Usage: "connect to a hive master and exchange envelopes",
		Flags: commonFlags(),
		Commands: []*cli.Command{
			terminalCommand(sugar),
			sendMycroftCommand(sugar),
			escalateCommand(sugar),
			propagateCommand(sugar),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitArgError)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "key",
			Usage:   "access key for the master",
			Sources: cli.NewValueSourceChain(cli.EnvVar("HIVEMIND_KEY")),
		},
		&cli.StringFlag{
			Name:    "host",
			Value:   "localhost",
			Usage:   "master host",
			Sources: cli.NewValueSourceChain(cli.EnvVar("HIVEMIND_HOST")),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   5678,
			Usage:   "master port",
			Sources: cli.NewValueSourceChain(cli.EnvVar("HIVEMIND_PORT")),
		},
		&cli.StringFlag{Name: "msg", Usage: "bus msg_type to send"},
		&cli.StringFlag{Name: "payload", Usage: "JSON payload for msg"},
	}
}

func connectClient(ctx context.Context, cmd *cli.Command, sugar *zap.SugaredLogger) (*hivemind.Client, *bus.Memory, error) {
	client, err := hivemind.New(hivemind.Config{
		Host:      cmd.String("host"),
		Port:      int(cmd.Int("port")),
		UserAgent: "hivemind-cli",
		AccessKey: cmd.String("key"),
		Logger:    sugar,
	})
	if err != nil {
		return nil, nil, err
	}

	b := bus.NewMemory()
	if err := client.Connect(ctx, b); err != nil {
		return nil, nil, err
	}
	return client, b, nil
}

func parsePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("invalid --payload JSON: %w", err)
	}
	return data, nil
}

func terminalCommand(sugar *zap.SugaredLogger) *cli.Command {
	return &cli.Command{
		Name:  "terminal",
		Usage: "interactively send utterances to the master as BUS messages",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, b, err := connectClient(ctx, cmd, sugar)
			if err != nil {
				sugar.Errorf("connect failed: %v", err)
				os.Exit(exitConnFail)
			}
			defer client.Close()

			b.Subscribe("hive.message.received", func(data, context map[string]any) {
				fmt.Printf("< %v (%v)\n", data, context)
			})

			fmt.Println("hivemind-cli terminal — type an utterance and press enter; Ctrl-D to quit")
			var line string
			for {
				if _, err := fmt.Scanln(&line); err != nil {
					break
				}
				_ = client.EmitBus(ctx, envelope.BusMessage{
					MsgType: "recognizer_loop:utterance",
					Data:    map[string]any{"utterances": []string{line}},
				})
			}
			return nil
		},
	}
}

func sendMycroftCommand(sugar *zap.SugaredLogger) *cli.Command {
	return &cli.Command{
		Name:  "send-mycroft",
		Usage: "send one BUS envelope carrying --msg and --payload",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			msgType := cmd.String("msg")
			if msgType == "" {
				fmt.Fprintln(os.Stderr, "send-mycroft requires --msg")
				os.Exit(exitArgError)
			}
			payload, err := parsePayload(cmd.String("payload"))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitArgError)
			}

			client, _, err := connectClient(ctx, cmd, sugar)
			if err != nil {
				sugar.Errorf("connect failed: %v", err)
				os.Exit(exitConnFail)
			}
			defer client.Close()

			return client.EmitBus(ctx, envelope.BusMessage{MsgType: msgType, Data: payload})
		},
	}
}

func escalateCommand(sugar *zap.SugaredLogger) *cli.Command {
	return &cli.Command{
		Name:  "escalate",
		Usage: "send an ESCALATE envelope (will be rejected by a well-behaved master)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			payload, err := parsePayload(cmd.String("payload"))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitArgError)
			}

			client, _, err := connectClient(ctx, cmd, sugar)
			if err != nil {
				sugar.Errorf("connect failed: %v", err)
				os.Exit(exitConnFail)
			}
			defer client.Close()

			e := envelope.New(envelope.KindEscalate, envelope.WithPayload(payload))
			return client.Emit(ctx, e)
		},
	}
}

func propagateCommand(sugar *zap.SugaredLogger) *cli.Command {
	return &cli.Command{
		Name:  "propagate",
		Usage: "send a PROPAGATE envelope",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			payload, err := parsePayload(cmd.String("payload"))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitArgError)
			}

			client, _, err := connectClient(ctx, cmd, sugar)
			if err != nil {
				sugar.Errorf("connect failed: %v", err)
				os.Exit(exitConnFail)
			}
			defer client.Close()

			e := envelope.New(envelope.KindPropagate, envelope.WithPayload(payload))
			return client.Emit(ctx, e)
		},
	}
}
