package processor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/etlflow/internal/ledger"
	"github.com/your-org/etlflow/internal/pipeline"
	"github.com/your-org/etlflow/pkg/storage/objectstore"
)

const testCSV = "sale_id,product_id,customer_id,campaign_id,order_date,sale_amount,discount_applied,delivery_fee\n" +
	"S001,P1,C1,CMP1,2024-03-01,100.00,5.00,2.50\n" +
	"S002,P2,C2,CMP2,2024-03-02,40.00,0.00,1.00\n"

// fakeStore is an in-memory objectstore.Client for both source and destination roles.
type fakeStore struct {
	mu       sync.Mutex
	bucket   string
	objects  map[string][]byte
	meta     map[string]map[string]string
	getErrs  []error
	copyErrs []error
	puts     int
	copies   int
	removes  int
}

func newFakeStore(bucket string) *fakeStore {
	return &fakeStore{
		bucket:  bucket,
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	b, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", objectstore.ErrNotFound, key)
	}
	return b, nil
}

func (f *fakeStore) Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.objects[key] = buf
	f.meta[key] = metadata
	f.puts++
	return nil
}

func (f *fakeStore) Stat(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("%w: %s", objectstore.ErrNotFound, key)
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(b)), Metadata: f.meta[key]}, nil
}

func (f *fakeStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.copyErrs) > 0 {
		err := f.copyErrs[0]
		f.copyErrs = f.copyErrs[1:]
		if err != nil {
			return err
		}
	}
	b, ok := f.objects[srcKey]
	if !ok {
		return fmt.Errorf("%w: %s", objectstore.ErrNotFound, srcKey)
	}
	f.objects[dstKey] = b
	f.meta[dstKey] = f.meta[srcKey]
	f.copies++
	return nil
}

func (f *fakeStore) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	delete(f.meta, key)
	f.removes++
	return nil
}

func (f *fakeStore) Bucket() string { return f.bucket }
func (f *fakeStore) Close() error   { return nil }

type fakeNotifier struct {
	mu        sync.Mutex
	published [][]byte
}

func (f *fakeNotifier) Publish(ctx context.Context, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, value)
	return nil
}

type testHarness struct {
	controller  *Controller
	ledger      *ledger.Memory
	source      *fakeStore
	destination *fakeStore
	notifier    *fakeNotifier
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DestinationPrefix == "" {
		cfg.DestinationPrefix = "processed/"
	}

	led := ledger.NewMemory(ledger.Config{
		MaxAttempts:     cfg.MaxAttempts,
		StalenessWindow: 10 * time.Minute,
	})
	source := newFakeStore("etlflow-raw")
	destination := newFakeStore("etlflow-processed")
	notifier := &fakeNotifier{}
	logger := zap.NewNop()

	controller := NewController(Params{
		Config:    cfg,
		Ledger:    led,
		Source:    source,
		Committer: NewCommitter(destination, logger),
		Notifier:  notifier,
		Metrics:   NewMetrics(prometheus.NewRegistry()),
		Logger:    logger,
	})

	return &testHarness{
		controller:  controller,
		ledger:      led,
		source:      source,
		destination: destination,
		notifier:    notifier,
	}
}

func notification(deliveryID, key string) []byte {
	return []byte(fmt.Sprintf(
		`{"delivery_id": %q, "bucket": "etlflow-raw", "key": %q, "size": 1, "observed_at": "2024-03-01T10:00:00Z"}`,
		deliveryID, key))
}

func TestHandleCommitsExactlyOncePerIdentity(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.objects["raw/2024/a.csv"] = []byte(testCSV)

	results, outcome := h.controller.Handle(context.Background(), notification("d-1", "raw/2024/a.csv"))
	require.Equal(t, OutcomeAck, outcome)
	require.Len(t, results, 1)
	require.Equal(t, StateLedgerCompleted, results[0].State)
	require.Equal(t, "etlflow-processed/processed/2024/a.csv", results[0].OutputID)

	_, ok := h.destination.objects["processed/2024/a.csv"]
	require.True(t, ok)
	putsAfterFirst := h.destination.puts

	// Duplicate delivery of the same change, fresh delivery id.
	results, outcome = h.controller.Handle(context.Background(), notification("d-2", "raw/2024/a.csv"))
	require.Equal(t, OutcomeAck, outcome)
	require.Equal(t, StateSkipped, results[0].State)
	require.Equal(t, putsAfterFirst, h.destination.puts)

	entry, err := h.ledger.Get(context.Background(), "etlflow-raw/raw/2024/a.csv")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, entry.Status)
	require.Len(t, h.notifier.published, 1)
}

func TestHandleRetriesTransientReadFailures(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 5})
	h.source.objects["raw/2024/a.csv"] = []byte(testCSV)
	flaky := fmt.Errorf("storage unavailable")
	h.source.getErrs = []error{flaky, flaky, flaky}

	var last Result
	for i := 0; i < 4; i++ {
		results, _ := h.controller.Handle(context.Background(), notification(fmt.Sprintf("d-%d", i), "raw/2024/a.csv"))
		require.Len(t, results, 1)
		last = results[0]
		if i < 3 {
			require.Equal(t, StateFailed, last.State)
			require.Equal(t, OutcomeRetry, last.Outcome)
		}
	}

	require.Equal(t, StateLedgerCompleted, last.State)
	require.Equal(t, 4, last.Attempts)

	entry, err := h.ledger.Get(context.Background(), "etlflow-raw/raw/2024/a.csv")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, entry.Status)
	require.Equal(t, 4, entry.AttemptCount)
}

func TestHandleStrictModeFailsWholePayload(t *testing.T) {
	h := newHarness(t, Config{StrictRecords: true})
	h.source.objects["raw/2024/bad.csv"] = []byte(testCSV + "S003,P3,C3,CMP3,not-a-date,1.00,0.00,0.00\n")

	results, outcome := h.controller.Handle(context.Background(), notification("d-1", "raw/2024/bad.csv"))
	require.Equal(t, OutcomeRetry, outcome)
	require.Equal(t, StateFailed, results[0].State)

	var terr *pipeline.TransformError
	require.ErrorAs(t, results[0].Err, &terr)
	require.Equal(t, "clean", terr.Stage)

	require.Empty(t, h.destination.objects)
	entry, err := h.ledger.Get(context.Background(), "etlflow-raw/raw/2024/bad.csv")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, entry.Status)
	require.Equal(t, 1, entry.AttemptCount)
}

func TestHandleNonStrictModeDropsMalformedRecords(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.objects["raw/2024/mixed.csv"] = []byte(testCSV + "S003,P3,C3,CMP3,not-a-date,1.00,0.00,0.00\n")

	results, outcome := h.controller.Handle(context.Background(), notification("d-1", "raw/2024/mixed.csv"))
	require.Equal(t, OutcomeAck, outcome)
	require.Equal(t, StateLedgerCompleted, results[0].State)

	out := string(h.destination.objects["processed/2024/mixed.csv"])
	require.Contains(t, out, "S001")
	require.Contains(t, out, "S002")
	require.NotContains(t, out, "S003")
}

func TestHandleRejectsMalformedNotificationWithoutLedgerState(t *testing.T) {
	h := newHarness(t, Config{})

	results, outcome := h.controller.Handle(context.Background(), []byte(`{"bucket": "etlflow-raw"}`))
	require.Equal(t, OutcomeDrop, outcome)
	require.Equal(t, StateRejected, results[0].State)

	var merr *MalformedEventError
	require.ErrorAs(t, results[0].Err, &merr)

	_, err := h.ledger.Get(context.Background(), "etlflow-raw/")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestHandleDropsAfterRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2})
	broken := fmt.Errorf("storage unavailable")
	h.source.getErrs = []error{broken, broken, broken}

	results, _ := h.controller.Handle(context.Background(), notification("d-1", "raw/2024/a.csv"))
	require.Equal(t, OutcomeRetry, results[0].Outcome)

	results, _ = h.controller.Handle(context.Background(), notification("d-2", "raw/2024/a.csv"))
	require.Equal(t, OutcomeDrop, results[0].Outcome)
	require.Equal(t, StateFailed, results[0].State)

	// Further deliveries never reprocess a terminally failed identity.
	results, _ = h.controller.Handle(context.Background(), notification("d-3", "raw/2024/a.csv"))
	require.Equal(t, StateFailed, results[0].State)
	require.Equal(t, OutcomeDrop, results[0].Outcome)
}

func TestHandleOutputIsDeterministicAcrossRetries(t *testing.T) {
	h := newHarness(t, Config{})
	h.source.objects["raw/2024/a.csv"] = []byte(testCSV)

	_, outcome := h.controller.Handle(context.Background(), notification("d-1", "raw/2024/a.csv"))
	require.Equal(t, OutcomeAck, outcome)
	first := append([]byte(nil), h.destination.objects["processed/2024/a.csv"]...)

	// Force a second full run by clearing the ledger.
	h2 := newHarness(t, Config{})
	h2.source.objects["raw/2024/a.csv"] = []byte(testCSV)
	_, outcome = h2.controller.Handle(context.Background(), notification("d-9", "raw/2024/a.csv"))
	require.Equal(t, OutcomeAck, outcome)

	require.Equal(t, first, h2.destination.objects["processed/2024/a.csv"])
}
