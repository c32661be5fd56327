package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/peerhub/peerhub/backend/registry"
	"github.com/peerhub/peerhub/backend/router"
	httpServer "github.com/peerhub/peerhub/backend/server/http"
	websocketServer "github.com/peerhub/peerhub/backend/server/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api and static content listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		staticDir     = fs.StringP("static-dir", "s", "", "directory with client app files, not served if empty")
		pingInterval  = fs.DurationP("ping-interval", "p", 0, "websocket liveness probe interval (default 30s)")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	reg := registry.New(&logger)
	rt := router.New(router.Config{
		Registry: reg,
		Logger:   &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: reg,
		ListenAddr:  *apiListenAddr,
		StaticDir:   *staticDir,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		Router:       rt,
		ListenAddr:   *wsListenAddr,
		PingInterval: *pingInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
