// Package supervisor wires the receiver, batcher, and storage backend
// together and owns the process's startup and shutdown sequencing.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"syslogd/internal/batch"
	"syslogd/internal/logging"
	"syslogd/internal/receiver"
	"syslogd/internal/settings"
	"syslogd/internal/store"
)

// shutdownGracePeriod bounds how long the final drain-and-flush may take
// before the process exits regardless, guaranteeing a wall-clock cap on
// shutdown.
const shutdownGracePeriod = 30 * time.Second

// counterLogInterval is how often debug-mode logs a counter snapshot.
const counterLogInterval = 30 * time.Second

// idleSweepInterval is how often the supervisor checks for a partition
// left open past its calendar month, so a partition that stops
// receiving traffic before rollover still gets closed promptly instead
// of sitting open until the next write arrives.
const idleSweepInterval = time.Hour

// Supervisor owns one run's receiver, batcher, and backend, and
// coordinates their startup and shutdown.
type Supervisor struct {
	settings settings.Settings
	logger   *slog.Logger

	backend   store.Backend
	batcher   *batch.Batcher
	receiver  *receiver.Receiver
	scheduler gocron.Scheduler
}

// New constructs a Supervisor. backend must already be configured for
// the driver named in cfg.Driver; New wires it into a RoutingBackend,
// a Batcher, and a Receiver bound to each other.
func New(cfg settings.Settings, backend store.Backend, logger *slog.Logger) (*Supervisor, error) {
	logger = logging.Default(logger)

	routed := store.NewRoutingBackend(backend)
	batcher := batch.New(routed, batch.Config{
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		FlushHardTimeout: shutdownGracePeriod,
		Logger:           logger,
	})

	recv := receiver.New(receiver.Config{
		Addr:            cfg.Addr(),
		ReadBufferBytes: maxSocketBuffer,
		Logger:          logger,
	}, batcher)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &Supervisor{
		settings:  cfg,
		logger:    logger.With("component", "supervisor"),
		backend:   backend,
		batcher:   batcher,
		receiver:  recv,
		scheduler: scheduler,
	}, nil
}

// maxSocketBuffer requests the largest receive buffer most OSes will
// grant without raised kernel limits; the kernel silently caps this to
// its own maximum, so requesting high is always safe.
const maxSocketBuffer = 8 * 1024 * 1024

// Run starts the receiver and batcher consumer, installs the idle-
// partition sweep (and the debug counter job if enabled), and blocks
// until ctx is cancelled. On cancellation it stops the receiver first,
// issues a final flush, closes the backend, and returns: stop accepting
// datagrams, drain via a final flush, close the backend, exit.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.installIdleSweepJob(); err != nil {
		return err
	}
	if s.settings.Debug {
		if err := s.installCounterJob(); err != nil {
			return err
		}
	}
	s.scheduler.Start()

	group, groupCtx := errgroup.WithContext(ctx)

	// The batcher runs on its own context so it keeps consuming until the
	// receiver has stopped submitting.
	batchCtx, stopBatcher := context.WithCancel(context.Background())
	defer stopBatcher()
	receiverDone := make(chan struct{})

	group.Go(func() error {
		defer close(receiverDone)
		return s.receiver.Run(groupCtx)
	})
	group.Go(func() error {
		return s.batcher.Run(batchCtx)
	})

	<-groupCtx.Done()
	<-receiverDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	s.batcher.FlushNow(shutdownCtx)
	stopBatcher()

	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown error", "error", err)
	}

	runErr := group.Wait()

	if err := s.backend.Close(); err != nil {
		s.logger.Error("backend close error", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

// installCounterJob registers a periodic job that logs a snapshot of the
// receiver's and batcher's counters.
func (s *Supervisor) installCounterJob() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(counterLogInterval),
		gocron.NewTask(s.logCounters),
		gocron.WithName("counter-log"),
	)
	if err != nil {
		return fmt.Errorf("install counter job: %w", err)
	}
	return nil
}

// installIdleSweepJob registers a periodic job that closes the
// partition for the month immediately before the current one, so a
// partition that goes quiet before the next write arrives is still
// closed promptly at rollover rather than left open indefinitely.
func (s *Supervisor) installIdleSweepJob() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(idleSweepInterval),
		gocron.NewTask(s.sweepIdlePartitions),
		gocron.WithName("idle-partition-sweep"),
	)
	if err != nil {
		return fmt.Errorf("install idle sweep job: %w", err)
	}
	return nil
}

// sweepIdlePartitions closes the previous month's partition if the
// backend still has it open. It runs unconditionally on every tick;
// ClosePartition is a no-op when that partition was never opened or is
// already closed, so a tick with nothing to do costs nothing.
func (s *Supervisor) sweepIdlePartitions() {
	key := store.CurrentKey(time.Now()).Previous()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if err := s.backend.ClosePartition(ctx, key); err != nil {
		s.logger.Warn("idle partition sweep failed", "partition", key.Name(), "error", err)
		return
	}
	s.logger.Debug("idle partition swept", "partition", key.Name())
}

func (s *Supervisor) logCounters() {
	rstats := s.receiver.Stats()
	bstats := s.batcher.Stats()
	s.logger.Info("counters",
		"received", rstats.Received,
		"parse_errors", rstats.ParseErrors,
		"submit_errors", rstats.SubmitErrors,
		"submitted", bstats.Submitted,
		"dropped_queue", bstats.DroppedQueue,
		"batches_flushed", bstats.BatchesFlushed,
		"batch_errors", bstats.BatchErrors,
		"records_flushed", bstats.RecordsFlushed,
	)
}
