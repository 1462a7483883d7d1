// Command server runs the OPC UA-style runtime substrate: a NodeStore, a
// TCP Acceptor, and the dispatcher/ambient stack wiring them together.
// automaxprocs tuning, env-driven config, structured logging, and
// signal-driven graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"

	"github.com/adred/opcua-runtime/internal/changenotify"
	"github.com/adred/opcua-runtime/internal/config"
	"github.com/adred/opcua-runtime/internal/dispatcher"
	"github.com/adred/opcua-runtime/internal/logging"
	"github.com/adred/opcua-runtime/internal/metrics"
	"github.com/adred/opcua-runtime/internal/netlayer"
	"github.com/adred/opcua-runtime/internal/nodeid"
	"github.com/adred/opcua-runtime/internal/nodestore"
	"github.com/adred/opcua-runtime/internal/reclaim"
	"github.com/adred/opcua-runtime/internal/resourceguard"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.Log(logger)

	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 2 * runtime.NumCPU()
	}
	queueSize := cfg.WorkerQueueSize
	if queueSize <= 0 {
		queueSize = workerCount * 100
	}

	queue := reclaim.New()
	store := nodestore.New(queue)
	m, reg := metrics.New()

	var notifier *changenotify.Notifier
	if cfg.NATSURL != "" {
		n, err := changenotify.Connect(cfg.NATSURL, logger)
		if err != nil {
			logging.LogError(logger, err, "changenotify disabled", nil)
		} else {
			notifier = n
			defer notifier.Close()
		}
	}
	store.OnMutate(func(op nodestore.MutationOp, id nodeid.NodeId) {
		switch op {
		case nodestore.OpInsert:
			notifier.Publish(changenotify.OpInsert, id)
		case nodestore.OpReplace:
			notifier.Publish(changenotify.OpReplace, id)
		case nodestore.OpRemove:
			notifier.Publish(changenotify.OpRemove, id)
		}
	})
	store.OnFree(func(id nodeid.NodeId) {
		m.NodeStoreEntries.Set(float64(store.Count()))
	})

	guard := resourceguard.New(resourceguard.Config{
		CPURejectThreshold: cfg.CPURejectThreshold,
		MaxGoroutines:      cfg.MaxGoroutines,
		MaxDispatchRate:    rate.Limit(cfg.MaxDispatchRate),
		DispatchBurst:      cfg.DispatchBurst,
	})

	netCfg := netlayer.Config{
		Port:           cfg.Port,
		AcceptBacklog:  cfg.AcceptBacklog,
		RecvBufferSize: cfg.RecvBufferSize,
		SendBufferSize: cfg.SendBufferSize,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxChunkCount:  cfg.MaxChunkCount,
	}
	acceptor := netlayer.New(netCfg, queue, logger)
	acceptor.SetAdmission(guard.ShouldAcceptConnection)
	if err := acceptor.Start(); err != nil {
		logging.LogError(logger, err, "failed to start acceptor", nil)
		os.Exit(1)
	}

	disp := dispatcher.New(workerCount, queueSize, store, queue, dispatcher.NoopHandler{}, logger)
	disp.SetDispatchLimiter(guard.AllowDispatch)

	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)
	go guard.StartMonitoring(ctx, 5*time.Second)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.LogError(logger, err, "metrics server error", nil)
		}
	}()

	acceptDone := make(chan struct{})
	go func() {
		acceptLoop(ctx, acceptor, disp, m)
		close(acceptDone)
	}()
	go sampleLoop(ctx, queue, guard, disp, m)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	cancel()
	<-acceptDone // the acceptor goroutine must exit before Stop touches the tracking table
	disp.SubmitBatch(acceptor.Stop())
	disp.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

// acceptLoop drives the Acceptor's tick loop on its own dedicated goroutine,
// feeding every resulting job to the Dispatcher.
func acceptLoop(ctx context.Context, acceptor *netlayer.Acceptor, disp *dispatcher.Dispatcher, m *metrics.Metrics) {
	prevTracked := acceptor.TrackedCount()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		jobs := acceptor.GetJobs(100 * time.Millisecond)
		m.AcceptorTicks.Inc()
		detached := 0
		for _, j := range jobs {
			switch j.(type) {
			case netlayer.BinaryMessage:
				m.JobsByType.WithLabelValues("BinaryMessage").Inc()
			case netlayer.DetachConnection:
				m.JobsByType.WithLabelValues("DetachConnection").Inc()
				detached++
			case netlayer.DelayedFree:
				m.JobsByType.WithLabelValues("DelayedFree").Inc()
			}
		}
		// Each DetachConnection job removed one entry this tick, so accepts
		// are the table's growth plus the detaches.
		tracked := acceptor.TrackedCount()
		if accepted := tracked - prevTracked + detached; accepted > 0 {
			m.Accepts.Add(float64(accepted))
		}
		prevTracked = tracked
		disp.SubmitBatch(jobs)
		m.DispatcherQueue.Set(float64(disp.QueueDepth()))
	}
}

// sampleLoop periodically refreshes the gauges ResourceGuard and the
// ReclamationQueue don't update on their own hot paths.
func sampleLoop(ctx context.Context, queue *reclaim.Queue, guard *resourceguard.Guard, disp *dispatcher.Dispatcher, m *metrics.Metrics) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.GraceQueueDepth.Set(float64(queue.PendingGrace()))
			m.DelayedQueueDepth.Set(float64(queue.PendingDelayed()))
			m.CPUPercent.Set(guard.CPUPercent())
			m.GoroutineCount.Set(float64(guard.GoroutineCount()))
			m.DispatcherDropped.Set(float64(disp.DroppedJobs()))
		}
	}
}
