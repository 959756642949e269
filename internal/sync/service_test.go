package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mailduck-io/mailduck/internal/gmail"
	"github.com/mailduck-io/mailduck/internal/message"
)

type fakeClient struct {
	pages       []gmail.ListPage
	messages    map[gmail.MessageID]gmail.Message
	metas       map[gmail.MessageID]gmail.MessageMeta
	fetchErrs   map[gmail.MessageID]error
	labels      map[gmail.LabelID]string
	listQueries []string
	fetched     []gmail.MessageID
}

func (f *fakeClient) List(ctx context.Context, q gmail.Query, pageToken string, pageSize int) (gmail.ListPage, error) {
	_ = ctx
	_ = pageToken
	_ = pageSize
	f.listQueries = append(f.listQueries, q.Raw)
	if len(f.pages) == 0 {
		return gmail.ListPage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeClient) Fetch(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	_ = ctx
	if err := f.fetchErrs[id]; err != nil {
		return gmail.Message{}, err
	}
	f.fetched = append(f.fetched, id)
	return f.messages[id], nil
}

func (f *fakeClient) FetchMetadata(ctx context.Context, id gmail.MessageID) (gmail.MessageMeta, error) {
	_ = ctx
	if err := f.fetchErrs[id]; err != nil {
		return gmail.MessageMeta{}, err
	}
	if meta, ok := f.metas[id]; ok {
		return meta, nil
	}
	full := f.messages[id]
	return gmail.MessageMeta{
		ID:           id,
		ThreadID:     full.ThreadID,
		LabelIDs:     full.LabelIDs,
		InternalDate: full.InternalDate,
	}, nil
}

func (f *fakeClient) ListLabels(ctx context.Context) (map[gmail.LabelID]string, error) {
	_ = ctx
	if f.labels == nil {
		return map[gmail.LabelID]string{}, nil
	}
	return f.labels, nil
}

type runRecord struct {
	mode   string
	status string
	errMsg string
}

type fakeStore struct {
	rows           map[string]message.Message
	checkpoint     time.Time
	checkpointSets int
	insertErr      error
	runs           []runRecord
	puts           []message.Message
	refreshes      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]message.Message{}}
}

func (f *fakeStore) Has(ctx context.Context, id string) (bool, error) {
	_ = ctx
	_, ok := f.rows[id]
	return ok, nil
}

func (f *fakeStore) Insert(ctx context.Context, m message.Message) error {
	_ = ctx
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.rows[m.ID]; ok {
		return nil
	}
	f.rows[m.ID] = m
	return nil
}

func (f *fakeStore) RefreshMetadata(ctx context.Context, id string, labels []string, isRead bool) error {
	_ = ctx
	row, ok := f.rows[id]
	if !ok {
		return errors.New("refresh of missing row")
	}
	row.Labels = labels
	row.IsRead = isRead
	f.rows[id] = row
	f.refreshes = append(f.refreshes, id)
	return nil
}

func (f *fakeStore) Put(ctx context.Context, m message.Message) error {
	_ = ctx
	f.rows[m.ID] = m
	f.puts = append(f.puts, m)
	return nil
}

func (f *fakeStore) Checkpoint(ctx context.Context) (time.Time, error) {
	_ = ctx
	return f.checkpoint, nil
}

func (f *fakeStore) SetCheckpoint(ctx context.Context, t time.Time) error {
	_ = ctx
	f.checkpoint = t
	f.checkpointSets++
	return nil
}

func (f *fakeStore) BeginRun(ctx context.Context, mode string) (string, error) {
	_ = ctx
	f.runs = append(f.runs, runRecord{mode: mode, status: "RUNNING"})
	return "run-1", nil
}

func (f *fakeStore) FinishRun(ctx context.Context, runID, status, errMsg string, inserted, updated, skipped int) error {
	_ = ctx
	_ = runID
	_ = inserted
	_ = updated
	_ = skipped
	if len(f.runs) > 0 {
		f.runs[len(f.runs)-1].status = status
		f.runs[len(f.runs)-1].errMsg = errMsg
	}
	return nil
}

type noLimiter struct{}

func (noLimiter) Wait(ctx context.Context) error {
	_ = ctx
	return nil
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawMessage(id string, ts time.Time, labelIDs ...gmail.LabelID) gmail.Message {
	return gmail.Message{
		ID:       gmail.MessageID(id),
		ThreadID: "t-" + id,
		LabelIDs: labelIDs,
		Headers: map[string]string{
			"from":    "Alice <alice@example.com>",
			"to":      "bob@example.com",
			"subject": "subject of " + id,
			"date":    ts.Format(time.RFC1123Z),
		},
		SizeEstimate: 1024,
		InternalDate: ts,
	}
}

func TestRunInsertsNewMessages(t *testing.T) {
	t1 := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, time.March, 2, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{
		pages: []gmail.ListPage{{IDs: []gmail.MessageID{"m1", "m2"}}},
		messages: map[gmail.MessageID]gmail.Message{
			"m1": rawMessage("m1", t1, "INBOX", "UNREAD"),
			"m2": rawMessage("m2", t2, "INBOX"),
		},
	}
	st := newFakeStore()
	svc := NewService(client, st, noLimiter{}, slogDiscard())

	rep, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rep.Inserted != 2 || rep.Updated != 0 || rep.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if !st.checkpoint.Equal(t2) {
		t.Fatalf("checkpoint = %v, want %v", st.checkpoint, t2)
	}
	if st.rows["m1"].Subject != "subject of m1" {
		t.Fatalf("row m1 not persisted: %+v", st.rows["m1"])
	}
	if st.runs[0].status != "OK" {
		t.Fatalf("run status = %q", st.runs[0].status)
	}
}

func TestRunRefreshesExistingMetadataOnly(t *testing.T) {
	ts := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{
		pages: []gmail.ListPage{{IDs: []gmail.MessageID{"m1"}}},
		metas: map[gmail.MessageID]gmail.MessageMeta{
			"m1": {ID: "m1", LabelIDs: []gmail.LabelID{"INBOX", "L1"}, InternalDate: ts},
		},
		labels: map[gmail.LabelID]string{"L1": "work"},
	}
	st := newFakeStore()
	st.rows["m1"] = message.Message{
		ID:      "m1",
		Subject: "original subject",
		Body:    "original body",
		Sender:  message.Address{Email: "alice@example.com"},
		Labels:  []string{"INBOX", "UNREAD"},
		IsRead:  false,
	}

	svc := NewService(client, st, noLimiter{}, slogDiscard())
	rep, err := svc.Run(context.Background(), Spec{Full: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rep.Inserted != 0 || rep.Updated != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	row := st.rows["m1"]
	if row.Subject != "original subject" || row.Body != "original body" {
		t.Fatalf("immutable fields changed: %+v", row)
	}
	if row.Sender.Email != "alice@example.com" {
		t.Fatalf("sender changed: %+v", row.Sender)
	}
	if !row.IsRead {
		t.Fatal("read flag not refreshed")
	}
	if len(row.Labels) != 2 || row.Labels[1] != "work" {
		t.Fatalf("labels not refreshed: %v", row.Labels)
	}
	if len(client.fetched) != 0 {
		t.Fatalf("existing row triggered a full fetch: %v", client.fetched)
	}
}

func TestRunIdempotentBackToBack(t *testing.T) {
	ts := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	makeClient := func() *fakeClient {
		return &fakeClient{
			pages:    []gmail.ListPage{{IDs: []gmail.MessageID{"m1"}}},
			messages: map[gmail.MessageID]gmail.Message{"m1": rawMessage("m1", ts, "INBOX")},
		}
	}
	st := newFakeStore()

	svc := NewService(makeClient(), st, noLimiter{}, slogDiscard())
	if _, err := svc.Run(context.Background(), Spec{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	first := st.checkpoint

	svc = NewService(makeClient(), st, noLimiter{}, slogDiscard())
	rep, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if rep.Inserted != 0 {
		t.Fatalf("second run inserted %d rows", rep.Inserted)
	}
	if !st.checkpoint.Equal(first) {
		t.Fatalf("checkpoint moved: %v -> %v", first, st.checkpoint)
	}
	if len(st.rows) != 1 {
		t.Fatalf("duplicate rows: %d", len(st.rows))
	}
}

func TestRunFatalFetchLeavesCheckpoint(t *testing.T) {
	t1 := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)
	prior := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{
		pages: []gmail.ListPage{{IDs: []gmail.MessageID{"m1", "m2", "m3"}}},
		messages: map[gmail.MessageID]gmail.Message{
			"m1": rawMessage("m1", t1, "INBOX"),
			"m3": rawMessage("m3", t3, "INBOX"),
		},
		fetchErrs: map[gmail.MessageID]error{"m2": errors.New("auth revoked")},
	}
	st := newFakeStore()
	st.checkpoint = prior

	svc := NewService(client, st, noLimiter{}, slogDiscard())
	if _, err := svc.Run(context.Background(), Spec{}); err == nil {
		t.Fatal("expected run to fail")
	}
	if _, ok := st.rows["m1"]; !ok {
		t.Fatal("m1 should have been persisted before the failure")
	}
	if _, ok := st.rows["m3"]; ok {
		t.Fatal("m3 should not have been reached")
	}
	if !st.checkpoint.Equal(prior) {
		t.Fatalf("checkpoint advanced past pre-run value: %v", st.checkpoint)
	}
	if st.runs[0].status != "FAILED" {
		t.Fatalf("run status = %q", st.runs[0].status)
	}
}

func TestRunSkipsMalformed(t *testing.T) {
	t1 := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{
		pages: []gmail.ListPage{{IDs: []gmail.MessageID{"m1", "bad", "m2"}}},
		messages: map[gmail.MessageID]gmail.Message{
			"m1": rawMessage("m1", t1, "INBOX"),
			// "bad" has no headers, the mapper rejects it
			"bad": {ID: "bad"},
			"m2":  rawMessage("m2", t1.Add(time.Hour), "INBOX"),
		},
	}
	st := newFakeStore()

	svc := NewService(client, st, noLimiter{}, slogDiscard())
	rep, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rep.Inserted != 2 || rep.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if st.checkpointSets != 1 {
		t.Fatalf("checkpoint writes = %d", st.checkpointSets)
	}
}

func TestRunEmptyMailbox(t *testing.T) {
	client := &fakeClient{}
	st := newFakeStore()

	svc := NewService(client, st, noLimiter{}, slogDiscard())
	rep, err := svc.Run(context.Background(), Spec{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rep.Inserted != 0 || rep.Updated != 0 || rep.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if st.checkpointSets != 0 {
		t.Fatal("checkpoint should stay at its initial value")
	}
}

func TestRunQueryBoundary(t *testing.T) {
	cp := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	incClient := &fakeClient{}
	incStore := newFakeStore()
	incStore.checkpoint = cp
	svc := NewService(incClient, incStore, noLimiter{}, slogDiscard())
	if _, err := svc.Run(context.Background(), Spec{}); err != nil {
		t.Fatalf("incremental run failed: %v", err)
	}
	want := "after:1709251200"
	if len(incClient.listQueries) != 1 || incClient.listQueries[0] != want {
		t.Fatalf("incremental query = %v, want %q", incClient.listQueries, want)
	}

	fullClient := &fakeClient{}
	fullStore := newFakeStore()
	fullStore.checkpoint = cp
	svc = NewService(fullClient, fullStore, noLimiter{}, slogDiscard())
	if _, err := svc.Run(context.Background(), Spec{Full: true}); err != nil {
		t.Fatalf("full run failed: %v", err)
	}
	if len(fullClient.listQueries) != 1 || fullClient.listQueries[0] != "" {
		t.Fatalf("full sync query = %v, want empty", fullClient.listQueries)
	}
}

func TestSyncOneOverwritesWholeRow(t *testing.T) {
	ts := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{
		messages: map[gmail.MessageID]gmail.Message{
			"m1": rawMessage("m1", ts, "INBOX"),
		},
	}
	st := newFakeStore()
	st.rows["m1"] = message.Message{ID: "m1", Subject: "stale", Body: "stale"}
	st.checkpoint = ts.Add(-time.Hour)
	prior := st.checkpoint

	svc := NewService(client, st, noLimiter{}, slogDiscard())
	if err := svc.SyncOne(context.Background(), "m1"); err != nil {
		t.Fatalf("sync one failed: %v", err)
	}
	if len(st.puts) != 1 {
		t.Fatalf("expected 1 full overwrite, got %d", len(st.puts))
	}
	row := st.rows["m1"]
	if row.Subject != "subject of m1" || row.Body == "stale" {
		t.Fatalf("row not overwritten: %+v", row)
	}
	if !st.checkpoint.Equal(prior) {
		t.Fatal("sync-message must not touch the checkpoint")
	}
}

func TestRunStorePersistFailureAborts(t *testing.T) {
	ts := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{
		pages:    []gmail.ListPage{{IDs: []gmail.MessageID{"m1"}}},
		messages: map[gmail.MessageID]gmail.Message{"m1": rawMessage("m1", ts, "INBOX")},
	}
	st := newFakeStore()
	st.insertErr = errors.New("disk full")

	svc := NewService(client, st, noLimiter{}, slogDiscard())
	if _, err := svc.Run(context.Background(), Spec{}); err == nil {
		t.Fatal("expected run to fail")
	}
	if st.checkpointSets != 0 {
		t.Fatal("checkpoint must not advance on persist failure")
	}
}
