package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/va-go/algorithm"
	"github.com/khaledhikmat/va-go/analyzer"
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/data"
	"github.com/khaledhikmat/va-go/service/lgr"
	"github.com/khaledhikmat/va-go/service/storage"
	"github.com/khaledhikmat/va-go/service/vms"
	"github.com/khaledhikmat/va-go/service/webhook"
)

const (
	// WARNING: this has to be bigger than the analyzer shutdown time
	waitOnShutdown = 8 * time.Second
)

func main() {
	rootCtx := context.Background()
	canxCtx, canxFn := context.WithCancel(rootCtx)

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		lgr.Logger.Info(
			"received kill signal",
			slog.Any("signal", sig),
		)
		canxFn()
	}()

	// Load env vars if we are in DEV mode
	if os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "" {
		lgr.Logger.Info("loading env vars from .env file")
		err := godotenv.Load()
		if err != nil {
			lgr.Logger.Error("error loading .env file", slog.Any("error", xerrors.New(err.Error())))
			panic("error loading .env file")
		}
	}

	// Register the algorithm packages this binary ships
	algorithm.Register(algorithm.Yolo5PackageID, algorithm.NewYolo5)
	algorithm.Register(algorithm.SimplePackageID, algorithm.NewSimple)

	// Create the services the analyzer runs on
	// Config service
	cfgSvc := config.NewEnv()
	// Data service
	dataSvc := data.NewFilesDB(cfgSvc)
	// Storage service
	storageSvc := storage.NewFiles(cfgSvc)
	// VMS service
	vmsSvc := vms.NewGocv()
	// Webhook service
	webhookSvc := webhook.NewHTTP(cfgSvc)

	svcs := analyzer.ServicesFactory{
		CfgSvc:     cfgSvc,
		DataSvc:    dataSvc,
		StorageSvc: storageSvc,
		VmsSvc:     vmsSvc,
		WebhookSvc: webhookSvc,
	}

	analyzerSvc := analyzer.New(canxCtx, svcs)

	// Restore persisted streams and tasks, then wait for cancellation
	analyzerResult := make(chan error, 1)
	defer close(analyzerResult)

	go func() {
		analyzerResult <- analyzerSvc.Start(canxCtx)
	}()

	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"analyzer pod context cancelled",
			)
			goto resume

		case err := <-analyzerResult:
			if err != nil {
				lgr.Logger.Info(
					"analyzer startup reconciliation exited",
					slog.Any("error", xerrors.New(err.Error())),
				)
				goto resume
			}
		}
	}

	// Wait in a non-blocking way for `waitOnShutdown` for all the go routines to exit
	// This is needed because the go routines may need to report errors as they are exiting
resume:
	// Cancel the context if not already cancelled
	if canxCtx.Err() == nil {
		// Force cancel the context
		canxFn()
	}

	analyzerSvc.Stop()

	lgr.Logger.Info(
		"analyzer pod is waiting for all go routines to exit",
	)

	// The only way to exit the main function is to wait for the shutdown
	// duration
	timer := time.NewTimer(waitOnShutdown)
	defer timer.Stop()

	<-timer.C
	lgr.Logger.Info(
		"analyzer pod shutdown waiting period expired. Exiting now",
		slog.Duration("period", waitOnShutdown),
	)
}
