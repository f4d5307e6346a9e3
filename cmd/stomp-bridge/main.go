package main

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/bridge"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/event"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider/memory"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/server"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/utils"
)

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	ctx := cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	var store database.DurableStore = database.NewMemoryStore()
	if cfg.Database.Enabled {
		mongoStore, closeCallback, err := database.ConnectDatabase(&cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		cleaner.Add(closeCallback)
		store = mongoStore
	}

	broker := memory.NewBroker(memory.Options{
		Users:        cfg.Provider.Users,
		Store:        store,
		StoreTimeout: utils.DurationOr(cfg.Database.OperationTimeout, 5*time.Second),
	})
	restoreCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = broker.Restore(restoreCtx)
	cancel()
	if err != nil {
		logger.ErrorF("Fail to restore durable subscriptions, details: %v", err)
		return
	}

	bridgeContext := &bridge.Context{
		Factory: broker,
		DefaultCredentials: provider.Credentials{
			Login:    cfg.Provider.DefaultLogin,
			Passcode: cfg.Provider.DefaultPasscode,
		},
		QuiesceTimeout: utils.DurationOr(cfg.Session.QuiesceTimeout, time.Minute),
		MaxAckFailures: cfg.Session.MaxAckFailures,
		Observer:       metrics.Observer{},
	}

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Server.Host, cfg.Metrics.Port, cfg.Metrics.Path)
		cleaner.Add(metricsServer)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				logger.ErrorF("Metrics server stopped, details: %v", err)
			}
		}()
	}

	stompServer := server.NewServer(&cfg, bridgeContext)
	if err := stompServer.Start(); err != nil {
		logger.ErrorF("STOMP Server Start error: %v", err)
		_ = stompServer.Invoke(context.Background())
		return
	}
	cleaner.Add(stompServer)
	logger.InfoF("%s started", cfg.AppName)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- stompServer.Wait()
	}()
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.ErrorF("STOMP Server stopped, details: %v", err)
		}
	}
}
