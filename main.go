package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/open-runtimes/k8s-executor/config"
	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/k8s"
	"github.com/open-runtimes/k8s-executor/logger"
	"github.com/open-runtimes/k8s-executor/maintenance"
	"github.com/open-runtimes/k8s-executor/runtime"
	"github.com/open-runtimes/k8s-executor/server"
	"github.com/open-runtimes/k8s-executor/storage"
)

func main() {
	if err := config.Init(); err != nil {
		logger.Init()
		logger.Fatalf("Failed to initialize config: %v", err)
	}
	logger.Init()

	client, clusterConfig, err := k8s.NewClient()
	if err != nil {
		logger.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	store, err := storage.NewObjectStore()
	if err != nil {
		logger.Fatalf("Failed to create object store client: %v", err)
	}

	manager := runtime.NewManager(client, clusterConfig, store)

	reaper := maintenance.NewReaper(client)
	reaper.Start()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt(constants.EnvPort)),
		Handler: server.New(manager).Router(),
	}

	go func() {
		logger.Infof("Executor listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	sig := <-signalChan
	logger.Infof("Received signal %v, shutting down executor.", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Failed to shut down server cleanly: %v", err)
	}

	reaper.Stop()
	logger.Info("Executor stopped!")
}
