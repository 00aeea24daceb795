package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/sdk/transport"
	"github.com/nicktill/tinypal/pkg/storage/memory"
)

type fixedChecker struct {
	used  int64
	limit int64
	err   error
}

func (c fixedChecker) GetUsage() (int64, error) { return c.used, c.err }
func (c fixedChecker) GetLimit() int64          { return c.limit }

func newTestHandler() (*Handler, *memory.Storage) {
	store := memory.New()
	h := NewHandler(store)
	h.SetLogger(quietLogger())
	return h, store
}

func upload(t *testing.T, h *Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/pubexperiments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleUpload(rec, req)
	return rec
}

func TestIngest_Counters(t *testing.T) {
	h, store := newTestHandler()
	ctx := context.Background()

	require.NoError(t, h.Ingest(ctx, []event.Event{typedEvent("DevLog", event.TypeLaunch)}))
	require.Error(t, h.Ingest(ctx, []event.Event{typedEvent("", event.TypeLaunch)}))
	require.ErrorIs(t, h.Ingest(ctx, nil), ErrEmptyBatch)

	stats := h.Stats()
	require.Equal(t, uint64(2), stats.EventsReceived)
	require.Equal(t, uint64(1), stats.EventsStored)
	require.Equal(t, uint64(1), stats.EventsRejected)
	require.Equal(t, uint64(3), stats.BatchesReceived)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.TotalEvents)
}

func TestIngest_StorageLimit(t *testing.T) {
	tests := []struct {
		name    string
		checker fixedChecker
		wantErr error
	}{
		{name: "under limit", checker: fixedChecker{used: 10, limit: 100}},
		{name: "at limit", checker: fixedChecker{used: 100, limit: 100}, wantErr: ErrStorageFull},
		{name: "no limit", checker: fixedChecker{used: 1 << 40}},
		{name: "usage unknown", checker: fixedChecker{err: errors.New("stat failed"), limit: 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler()
			h.SetStorageChecker(tt.checker)

			err := h.Ingest(context.Background(), []event.Event{typedEvent("DevLog", event.TypeLaunch)})
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSetLogger_NilUsesDefault(t *testing.T) {
	h, _ := newTestHandler()
	h.SetLogger(nil)
	require.NotNil(t, h.logger)

	// An unreadable usage logs a warning and lets the batch through
	h.SetStorageChecker(fixedChecker{err: errors.New("stat failed"), limit: 100})
	require.NotPanics(t, func() {
		require.NoError(t, h.Ingest(context.Background(), []event.Event{typedEvent("DevLog", event.TypeLaunch)}))
	})
}

func TestIngest_CardinalityLimit(t *testing.T) {
	h, _ := newTestHandler()
	h.tracker = newCardinalityTracker(2, time.Now)
	ctx := context.Background()

	require.NoError(t, h.Ingest(ctx, []event.Event{
		typedEvent("DevLog", "A"),
		typedEvent("DevLog", "B"),
	}))
	// Known series are always accepted
	require.NoError(t, h.Ingest(ctx, []event.Event{typedEvent("DevLog", "A")}))
	require.ErrorIs(t, h.Ingest(ctx, []event.Event{typedEvent("DevLog", "C")}), ErrCardinalityLimit)
}

func TestHandleUpload_AllValid(t *testing.T) {
	h, store := newTestHandler()

	body, err := event.MarshalBatch([]event.Event{
		typedEvent("DevLog", event.TypeDocumentOpened),
		typedEvent("DevLog", event.TypeDocumentSaved),
	})
	require.NoError(t, err)

	rec := upload(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcomes []transport.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
	require.Len(t, outcomes, 2)
	for i, o := range outcomes {
		require.Equal(t, int64(i), o.EventID)
		require.True(t, o.Status)
		require.Empty(t, o.ErrorMessage)
	}

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.TotalEvents)
}

func TestHandleUpload_PartiallyInvalid(t *testing.T) {
	h, store := newTestHandler()

	body, err := event.MarshalBatch([]event.Event{
		typedEvent("DevLog", event.TypeLaunch),
		typedEvent("", event.TypeLaunch),
		typedEvent("DevLog", event.TypeDocumentSaved),
	})
	require.NoError(t, err)

	rec := upload(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcomes []transport.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
	require.Len(t, outcomes, 3)
	require.True(t, outcomes[0].Status)
	require.False(t, outcomes[1].Status)
	require.Contains(t, outcomes[1].ErrorMessage, "group")
	require.True(t, outcomes[2].Status)

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.TotalEvents)

	stats := h.Stats()
	require.Equal(t, uint64(3), stats.EventsReceived)
	require.Equal(t, uint64(1), stats.EventsRejected)
}

func TestHandleUpload_Errors(t *testing.T) {
	tooMany := make([]event.Event, MaxEventsPerRequest+1)
	for i := range tooMany {
		tooMany[i] = typedEvent("DevLog", event.TypeLaunch)
	}
	tooManyBody, err := event.MarshalBatch(tooMany)
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    []byte
		checker StorageChecker
		want    int
	}{
		{name: "invalid json", body: []byte("{not json"), want: http.StatusBadRequest},
		{name: "object instead of array", body: []byte(`{"what":[]}`), want: http.StatusBadRequest},
		{name: "too many events", body: tooManyBody, want: http.StatusBadRequest},
		{
			name:    "storage full",
			body:    []byte(`[{"experimentGroupName":"DevLog","responseTime":"2024-01-02T03:04:05.000+00:00","what":[]}]`),
			checker: fixedChecker{used: 2, limit: 1},
			want:    http.StatusInsufficientStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler()
			if tt.checker != nil {
				h.SetStorageChecker(tt.checker)
			}
			rec := upload(t, h, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleUpload_EmptyArray(t *testing.T) {
	h, _ := newTestHandler()

	rec := upload(t, h, []byte("[]"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}
