package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/objectfs/bucketfs/internal/journal"
	"github.com/objectfs/bucketfs/internal/metrics"
	"github.com/objectfs/bucketfs/internal/storage"
	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/health"
	"github.com/objectfs/bucketfs/pkg/types"
)

// stack is the object client, journal and transfer engine shared by the
// commands that move data.
type stack struct {
	client    types.ObjectClient
	journal   *journal.Journal
	engine    *transfer.Engine
	collector *metrics.Collector
	tracker   *health.Tracker
}

type stackOptions struct {
	// observe adds the metrics collector and health tracker as engine
	// recorders.
	observe bool
}

// journalScope names the bucket journal entries belong to.
func (a *app) journalScope() string {
	s := a.cfg.Storage
	switch s.Backend {
	case storage.BackendGCS:
		return "gcs://" + s.GCS.Bucket
	case storage.BackendAzure:
		return "azure://" + s.Azure.Container
	case storage.BackendMemory:
		return "memory://"
	default:
		return "s3://" + s.S3.Bucket
	}
}

// openClientAndJournal opens the object client and, when configured, the
// multipart journal.
func (a *app) openClientAndJournal(ctx context.Context) (types.ObjectClient, *journal.Journal, error) {
	client, err := openClient(ctx, a.cfg.Storage, a.logger)
	if err != nil {
		return nil, nil, err
	}
	if a.cfg.Journal.Path == "" {
		return client, nil, nil
	}
	j, err := journal.Open(a.cfg.Journal.Path, a.journalScope(), a.logger)
	if err != nil {
		return nil, nil, err
	}
	return client, j, nil
}

func (a *app) buildStack(ctx context.Context, so stackOptions) (*stack, error) {
	client, j, err := a.openClientAndJournal(ctx)
	if err != nil {
		return nil, err
	}
	s := &stack{client: client, journal: j}

	opts, err := a.cfg.EngineOptions()
	if err != nil {
		s.close(ctx)
		return nil, err
	}

	var recorders []transfer.Recorder
	if so.observe {
		if a.cfg.Metrics.Enabled {
			s.collector, err = metrics.NewCollector(a.cfg.Metrics)
			if err != nil {
				s.close(ctx)
				return nil, err
			}
			recorders = append(recorders, s.collector)
		}
		s.tracker = health.NewTracker(health.DefaultConfig(), a.logger)
		recorders = append(recorders, health.NewTransferRecorder(s.tracker, "storage"))
	}

	engineOpts := []transfer.Option{
		transfer.WithLogger(a.logger),
		transfer.WithRecorder(transfer.Recorders(recorders...)),
		transfer.WithTracerProvider(otel.GetTracerProvider()),
	}
	if j != nil {
		engineOpts = append(engineOpts, transfer.WithJournal(j))
	}
	s.engine, err = transfer.NewEngine(client, opts, engineOpts...)
	if err != nil {
		s.close(ctx)
		return nil, err
	}
	return s, nil
}

// close shuts the engine down and closes the journal.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.engine != nil {
		if err := s.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// remotePrefix marks an argument as an object key.
const remotePrefix = "bucket:"

func isRemote(arg string) bool { return strings.HasPrefix(arg, remotePrefix) }

func remoteKey(arg string) string {
	return strings.TrimLeft(strings.TrimPrefix(arg, remotePrefix), "/")
}
