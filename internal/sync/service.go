// Package sync reconciles the remote mailbox with the local replica.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mailduck-io/mailduck/internal/gmail"
	"github.com/mailduck-io/mailduck/internal/message"
)

// Store is the replica surface the reconciler drives. *store.Store satisfies
// it; tests supply fakes.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	Insert(ctx context.Context, m message.Message) error
	RefreshMetadata(ctx context.Context, id string, labels []string, isRead bool) error
	Put(ctx context.Context, m message.Message) error
	Checkpoint(ctx context.Context) (time.Time, error)
	SetCheckpoint(ctx context.Context, t time.Time) error
	BeginRun(ctx context.Context, mode string) (string, error)
	FinishRun(ctx context.Context, runID, status, errMsg string, inserted, updated, skipped int) error
}

// Spec selects the sync mode and tuning for one run.
type Spec struct {
	Full     bool
	PageSize int
}

// Report summarizes one run.
type Report struct {
	Inserted  int
	Updated   int
	Skipped   int
	HighWater time.Time
}

// Service is the sync reconciler. Single writer, one candidate at a time;
// throughput is bounded by the API, not by local compute.
type Service struct {
	Client gmail.Client
	Store  Store
	Log    *slog.Logger
	Rate   interface{ Wait(context.Context) error } // small interface
}

// NewService constructs a Service with sane defaults.
func NewService(client gmail.Client, st Store, limiter interface{ Wait(context.Context) error }, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{Client: client, Store: st, Log: logger, Rate: limiter}
}

const defaultPageSize = 500

// Run reconciles the mailbox into the replica.
//
// An incremental run enumerates messages after the stored checkpoint; a full
// run enumerates everything. Messages absent locally are inserted whole.
// Messages already present only get their labels, read flag and last-indexed
// time refreshed, in both modes. The checkpoint is written once, as the last
// action of a successful run; any fatal error leaves it untouched so the
// next run replays the same window.
func (s *Service) Run(ctx context.Context, spec Spec) (Report, error) {
	mode := "incremental"
	if spec.Full {
		mode = "full"
	}
	pageSize := spec.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	prior, err := s.Store.Checkpoint(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load checkpoint: %w", err)
	}
	boundary := prior
	if spec.Full {
		boundary = time.Time{}
	}

	runID, err := s.Store.BeginRun(ctx, mode)
	if err != nil {
		return Report{}, fmt.Errorf("record run start: %w", err)
	}

	rep := Report{HighWater: prior}
	fail := func(cause error) (Report, error) {
		_ = s.Store.FinishRun(ctx, runID, "FAILED", cause.Error(),
			rep.Inserted, rep.Updated, rep.Skipped)
		return rep, cause
	}

	labels, err := s.listLabels(ctx)
	if err != nil {
		return fail(fmt.Errorf("list labels: %w", err))
	}

	var q gmail.Query
	if !boundary.IsZero() {
		q.Raw = fmt.Sprintf("after:%d", boundary.Unix())
	}

	highWater := prior
	pageToken := ""
	for {
		if err := s.wait(ctx); err != nil {
			return fail(err)
		}
		page, err := s.Client.List(ctx, q, pageToken, pageSize)
		if err != nil {
			return fail(fmt.Errorf("list messages: %w", err))
		}
		for _, id := range page.IDs {
			ts, inserted, err := s.reconcile(ctx, id, labels)
			if errors.Is(err, message.ErrMalformed) {
				s.Log.Warn("skipping malformed message", "id", id, "error", err)
				rep.Skipped++
				continue
			}
			if err != nil {
				return fail(fmt.Errorf("reconcile %s: %w", id, err))
			}
			if inserted {
				rep.Inserted++
			} else {
				rep.Updated++
			}
			if ts.After(highWater) {
				highWater = ts
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	// Checkpoint write is the last action of a successful run, and only
	// ever moves forward.
	if highWater.After(prior) {
		if err := s.Store.SetCheckpoint(ctx, highWater); err != nil {
			return fail(fmt.Errorf("save checkpoint: %w", err))
		}
	}
	rep.HighWater = highWater

	if err := s.Store.FinishRun(ctx, runID, "OK", "",
		rep.Inserted, rep.Updated, rep.Skipped); err != nil {
		s.Log.Warn("failed to record run completion", "run_id", runID, "error", err)
	}
	s.Log.Info("sync complete", "mode", mode,
		"inserted", rep.Inserted, "updated", rep.Updated, "skipped", rep.Skipped)
	return rep, nil
}

// reconcile handles one candidate ID: full insert when absent locally,
// metadata-only refresh when present. Returns the message timestamp that
// feeds the high-water mark and whether a new row was inserted.
func (s *Service) reconcile(ctx context.Context, id gmail.MessageID, labels map[gmail.LabelID]string) (time.Time, bool, error) {
	exists, err := s.Store.Has(ctx, string(id))
	if err != nil {
		return time.Time{}, false, err
	}

	if err := s.wait(ctx); err != nil {
		return time.Time{}, false, err
	}

	if !exists {
		raw, err := s.Client.Fetch(ctx, id)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("fetch: %w", err)
		}
		msg, err := message.Parse(raw, labels)
		if err != nil {
			return time.Time{}, false, err
		}
		if err := s.Store.Insert(ctx, msg); err != nil {
			return time.Time{}, false, err
		}
		return msg.Timestamp, true, nil
	}

	meta, err := s.Client.FetchMetadata(ctx, id)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("fetch metadata: %w", err)
	}
	names := message.ResolveLabels(meta.LabelIDs, labels)
	if err := s.Store.RefreshMetadata(ctx, string(id), names, message.IsRead(meta.LabelIDs)); err != nil {
		return time.Time{}, false, err
	}
	return meta.InternalDate, false, nil
}

// SyncOne fetches a single message and overwrites its whole row. Bypasses
// checkpoint logic entirely; meant for targeted backfill or repair.
func (s *Service) SyncOne(ctx context.Context, id gmail.MessageID) error {
	labels, err := s.listLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	raw, err := s.Client.Fetch(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", id, err)
	}
	msg, err := message.Parse(raw, labels)
	if err != nil {
		return fmt.Errorf("parse %s: %w", id, err)
	}
	if err := s.Store.Put(ctx, msg); err != nil {
		return err
	}
	s.Log.Info("synced message", "id", id, "timestamp", msg.Timestamp)
	return nil
}

func (s *Service) listLabels(ctx context.Context) (map[gmail.LabelID]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.Client.ListLabels(ctx)
}

func (s *Service) wait(ctx context.Context) error {
	if s.Rate == nil {
		return nil
	}
	return s.Rate.Wait(ctx)
}
