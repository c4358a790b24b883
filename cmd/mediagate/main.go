package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/mediagate/gateway"
	"github.com/guseggert/mediagate/gateway/exchange"
	"github.com/guseggert/mediagate/internal/files"
	inet "github.com/guseggert/mediagate/internal/net"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	caCertFile     = "ca.pem"
	serverCertFile = "server.pem"
	serverKeyFile  = "server-key.pem"
	clientCertFile = "client.pem"
	clientKeyFile  = "client-key.pem"
)

func main() {
	app := &cli.App{
		Name:  "mediagate",
		Usage: "the message exchange gateway for generative media backends",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file. Defaults to the nearest " + configFileName + " in the working directory or its parents.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: `The address for the HTTP server to listen on, or "auto" for a free local port.`,
				Value: "127.0.0.1:8188",
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "Directory the file and fetch routes are confined to. Empty means unconfined.",
			},
			&cli.StringFlag{
				Name:  "tls-dir",
				Usage: "Directory holding " + caCertFile + ", " + serverCertFile + " and " + serverKeyFile + ". Enables mTLS.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.Int64Flag{
				Name:  "read-limit",
				Usage: "Maximum request size in bytes. Negative means unlimited, 0 means the default.",
				Value: exchange.DefaultReadLimit,
			},
			&cli.DurationFlag{
				Name:  "receive-timeout",
				Usage: "How long to wait for a complete request.",
				Value: exchange.DefaultReceiveTimeout,
			},
			&cli.DurationFlag{
				Name:  "send-timeout",
				Usage: "How long to wait for a reply to be sent.",
				Value: exchange.DefaultSendTimeout,
			},
			&cli.DurationFlag{
				Name:  "close-timeout",
				Usage: "How long to wait for a WebSocket close handshake.",
				Value: exchange.DefaultCloseTimeout,
			},
			&cli.BoolFlag{
				Name:  "null-on-empty",
				Usage: "Treat an empty request as JSON null instead of a parse error.",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before taking the heartbeat failure action.",
				Value: 1 * time.Minute,
			},
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [stop,exit,none].",
				Value: "none",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "gen-certs",
				Usage: "generate a throwaway CA and mTLS key pairs for the gateway and a client",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "out",
						Usage:    "Directory to write the PEM files to.",
						Required: true,
					},
				},
				Action: genCerts,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func resolveConfig(cliCtx *cli.Context) (config, error) {
	cfg := config{
		ListenAddr:         cliCtx.String("listen-addr"),
		Root:               cliCtx.String("root"),
		TLSDir:             cliCtx.String("tls-dir"),
		LogLevel:           cliCtx.String("log-level"),
		ReadLimit:          cliCtx.Int64("read-limit"),
		ReceiveTimeout:     cliCtx.Duration("receive-timeout"),
		SendTimeout:        cliCtx.Duration("send-timeout"),
		CloseTimeout:       cliCtx.Duration("close-timeout"),
		NullOnEmpty:        cliCtx.Bool("null-on-empty"),
		HeartbeatTimeout:   cliCtx.Duration("heartbeat-timeout"),
		OnHeartbeatFailure: cliCtx.String("on-heartbeat-failure"),
	}

	path := cliCtx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("getting working dir: %w", err)
		}
		path = files.FindUp(configFileName, wd)
		if path == "" {
			return cfg, nil
		}
	}
	fc, err := loadFileConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := applyFileConfig(&cfg, fc, cliCtx.IsSet); err != nil {
		return cfg, fmt.Errorf("applying config file %s: %w", path, err)
	}
	return cfg, nil
}

func serve(cliCtx *cli.Context) error {
	cfg, err := resolveConfig(cliCtx)
	if err != nil {
		return err
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	if cfg.ListenAddr == "auto" {
		cfg.ListenAddr, err = inet.EphemeralAddr("127.0.0.1")
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cliCtx.Context)
	defer cancel()

	var heartbeatFailureHandler func()
	switch cfg.OnHeartbeatFailure {
	case "stop":
		heartbeatFailureHandler = cancel
	case "exit":
		heartbeatFailureHandler = func() {
			logger.Error("heartbeat failed, exiting")
			os.Exit(1)
		}
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", cfg.OnHeartbeatFailure)
	}

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithLogLevel(level),
		gateway.WithListenAddr(cfg.ListenAddr),
		gateway.WithRoot(cfg.Root),
		gateway.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		gateway.WithHeartbeatFailureHandler(heartbeatFailureHandler),
		gateway.WithExchangeOptions(exchange.Options{
			ReadLimit:      cfg.ReadLimit,
			ReceiveTimeout: cfg.ReceiveTimeout,
			SendTimeout:    cfg.SendTimeout,
			CloseTimeout:   cfg.CloseTimeout,
			NullOnEmpty:    cfg.NullOnEmpty,
		}),
	}
	if cfg.TLSDir != "" {
		caCertPEM, err := os.ReadFile(filepath.Join(cfg.TLSDir, caCertFile))
		if err != nil {
			return fmt.Errorf("reading CA cert: %w", err)
		}
		certPEM, err := os.ReadFile(filepath.Join(cfg.TLSDir, serverCertFile))
		if err != nil {
			return fmt.Errorf("reading server cert: %w", err)
		}
		keyPEM, err := os.ReadFile(filepath.Join(cfg.TLSDir, serverKeyFile))
		if err != nil {
			return fmt.Errorf("reading server key: %w", err)
		}
		opts = append(opts, gateway.WithTLS(caCertPEM, certPEM, keyPEM))
	}

	g, err := gateway.New(opts...)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}
	return g.Run(ctx)
}

func genCerts(cliCtx *cli.Context) error {
	out := cliCtx.String("out")
	certs, err := gateway.GenerateCerts()
	if err != nil {
		return fmt.Errorf("generating certs: %w", err)
	}
	if err := os.MkdirAll(out, 0o700); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	for _, f := range []struct {
		name string
		b    []byte
		mode os.FileMode
	}{
		{caCertFile, certs.CA.CertPEM, 0o644},
		{serverCertFile, certs.Server.CertPEM, 0o644},
		{serverKeyFile, certs.Server.KeyPEM, 0o600},
		{clientCertFile, certs.Client.CertPEM, 0o644},
		{clientKeyFile, certs.Client.KeyPEM, 0o600},
	} {
		if err := os.WriteFile(filepath.Join(out, f.name), f.b, f.mode); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	fmt.Fprintf(cliCtx.App.Writer, "wrote certs to %s\n", out)
	return nil
}
