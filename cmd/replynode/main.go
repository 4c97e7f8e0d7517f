// Command replynode runs a command reply node.
//
// It reads requests from the configured transport, answers known commands
// with canned replies and optionally serves the same commands over MCP.
//
//	replynode -config config.toml
//	replynode -transport nats
//	CONFIG=config.yaml REPLYNODE_TOOLS=counter replynode
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fxsml/replynode/config"
	"github.com/fxsml/replynode/dispatch"
	"github.com/fxsml/replynode/event"
	"github.com/fxsml/replynode/mcp"
	"github.com/fxsml/replynode/tools"
	"github.com/fxsml/replynode/transport/cloudevents"
	"github.com/fxsml/replynode/transport/kafka"
	"github.com/fxsml/replynode/transport/nats"
	"github.com/fxsml/replynode/transport/rabbitmq"
	"github.com/fxsml/replynode/transport/redis"
	"github.com/fxsml/replynode/transport/stdio"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "replynode: %v\n", err)
		os.Exit(1)
	}
}

// node is a transport's source and sink plus its cleanup.
type node struct {
	source event.Source
	sink   event.Sink
	close  func() error
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("replynode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("CONFIG"), "config file (json, yaml or toml)")
	transport := fs.String("transport", "", "transport override: "+strings.Join(transportNames(), ", "))
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *transport != "" {
		cfg.Transport = *transport
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	table, err := dispatch.NewTable()
	if err != nil {
		return err
	}
	if err := tools.Register(table, cfg.Tools...); err != nil {
		return err
	}
	table.Freeze()

	d := dispatch.New(table, dispatch.Config{
		Output:     cfg.Output,
		Inputs:     cfg.Inputs,
		Recover:    cfg.Recover,
		Middleware: []dispatch.Middleware{dispatch.Logging(logger)},
		Logger:     logger,
	})

	mux := http.NewServeMux()
	srv := mcp.NewServer(table, mcp.Config{
		Name:    cfg.Name,
		Version: cfg.Version,
		Addr:    cfg.Server.Addr,
		Logger:  logger,
	})
	listen := cfg.Server.Enabled
	if cfg.Server.Enabled {
		srv.Mount(mux)
	}

	n, err := openNode(ctx, cfg, stdin, stdout, mux, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.close(); err != nil {
			logger.Warn("Failed to close transport", "error", err)
		}
	}()
	if cfg.Transport == config.TransportCloudEvents {
		listen = true
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	events, err := n.source.Events(runCtx)
	if err != nil {
		return fmt.Errorf("start %s transport: %w", cfg.Transport, err)
	}

	srvErr := make(chan error, 1)
	if listen {
		go func() {
			err := srv.ListenAndServe(runCtx, mux)
			if err != nil {
				stop()
			}
			srvErr <- err
		}()
	}

	logger.Info("Node started",
		"name", cfg.Name,
		"transport", cfg.Transport,
		"commands", table.Len(),
		"server", listen,
	)

	runErr := d.Run(runCtx, events, n.sink)
	stop()

	if listen {
		if err := <-srvErr; err != nil {
			return err
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("Node stopped")
	return nil
}

func openNode(ctx context.Context, cfg config.Config, stdin io.Reader, stdout io.Writer, mux *http.ServeMux, logger *slog.Logger) (*node, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		n := stdio.NewNode(stdin, stdout, stdio.Config{Logger: logger})
		return &node{source: n, sink: n, close: n.Close}, nil

	case config.TransportNATS:
		n := nats.NewNode(nats.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
			Logger:  logger,
		})
		if err := n.Connect(ctx); err != nil {
			return nil, err
		}
		return &node{source: n, sink: n, close: n.Close}, nil

	case config.TransportKafka:
		n := kafka.NewNode(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			ReplyTopic:     cfg.Kafka.ReplyTopic,
			ConsumerGroup:  cfg.Kafka.ConsumerGroup,
			MetadataHeader: cfg.Kafka.MetadataHeader,
			Logger:         logger,
		})
		return &node{source: n, sink: n, close: n.Close}, nil

	case config.TransportRabbitMQ:
		n := rabbitmq.NewNode(rabbitmq.Config{
			URL:           cfg.RabbitMQ.URL,
			Queue:         cfg.RabbitMQ.Queue,
			Durable:       cfg.RabbitMQ.Durable,
			PrefetchCount: cfg.RabbitMQ.PrefetchCount,
			Logger:        logger,
		})
		if err := n.Connect(ctx); err != nil {
			return nil, err
		}
		return &node{source: n, sink: n, close: n.Close}, nil

	case config.TransportRedis:
		n := redis.NewNode(redis.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Stream:      cfg.Redis.Stream,
			Group:       cfg.Redis.Group,
			Consumer:    cfg.Redis.Consumer,
			ReplyStream: cfg.Redis.ReplyStream,
			Logger:      logger,
		})
		return &node{source: n, sink: n, close: n.Close}, nil

	case config.TransportCloudEvents:
		sub := cloudevents.NewSubscriber(cloudevents.SubscriberConfig{
			AckTimeout: cfg.CloudEvents.AckTimeout.Std(),
			Logger:     logger,
		})
		mux.Handle(cfg.CloudEvents.Path, sub)
		pub := cloudevents.NewPublisher(cloudevents.PublisherConfig{
			TargetURL: cfg.CloudEvents.TargetURL,
			Source:    cfg.CloudEvents.Source,
			Logger:    logger,
		})
		return &node{source: sub, sink: pub, close: func() error { return nil }}, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Transport)
}

func transportNames() []string {
	return []string{
		config.TransportStdio,
		config.TransportNATS,
		config.TransportKafka,
		config.TransportRabbitMQ,
		config.TransportRedis,
		config.TransportCloudEvents,
	}
}

// newLogger builds the diagnostic logger. Diagnostics never go to stdout,
// which carries replies for the stdio transport.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("log format: unknown %q", format)
}
