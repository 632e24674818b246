package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"taskboard/domain"
)

func newTicket(id, boardID string) *domain.Ticket {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	return &domain.Ticket{
		ID:        id,
		BoardID:   boardID,
		Title:     "Ticket " + id,
		Status:    domain.StatusNotStarted,
		Priority:  domain.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func counters(t *testing.T, st *Storage, boardID string) domain.CounterDelta {
	t.Helper()
	c, _, err := st.loadCounters(context.Background(), boardID)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	return c
}

func TestWriteTicketRetriesWhenCountersMove(t *testing.T) {
	ctx := context.Background()
	st, d := newTableStorage(t)
	if err := st.CreateTicket(ctx, newTicket("t1", "b1"), domain.CounterDelta{Tickets: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}

	d.onNextBatch(func(d *tableDouble) {
		d.put("tickets", "b1", countersRowKey, map[string]any{"Tickets": 5, "Completed": 2})
	})
	tk := newTicket("t2", "b1")
	if err := st.CreateTicket(ctx, tk, domain.CounterDelta{Tickets: 1}); err != nil {
		t.Fatalf("create after counters moved: %v", err)
	}
	if got := counters(t, st, "b1"); got != (domain.CounterDelta{Tickets: 6, Completed: 2}) {
		t.Fatalf("unexpected counters %+v", got)
	}
	if got := d.batchSizes(); !slices.Equal(got, []int{2, 2, 2}) {
		t.Fatalf("expected one rejected and two applied transactions, got %v", got)
	}
	if tk.ETag == "" {
		t.Fatalf("etag not refreshed after write")
	}
}

func TestUpdateStaleTicket(t *testing.T) {
	ctx := context.Background()
	st, _ := newTableStorage(t)
	tk := newTicket("t1", "b1")
	if err := st.CreateTicket(ctx, tk, domain.CounterDelta{Tickets: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	stale := *tk

	tk.Title = "Renamed"
	if err := st.UpdateTicket(ctx, tk, domain.CounterDelta{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale.Status = domain.StatusDone
	err := st.UpdateTicket(ctx, &stale, domain.CounterDelta{Completed: 1})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	err = st.UpdateTicket(ctx, &stale, domain.CounterDelta{})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict without counters, got %v", err)
	}
	if got := counters(t, st, "b1"); got != (domain.CounterDelta{Tickets: 1}) {
		t.Fatalf("rejected write changed counters: %+v", got)
	}
	got, err := st.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Renamed" || got.Status != domain.StatusNotStarted {
		t.Fatalf("stale write applied: %+v", got)
	}
}

func TestCreateTicketWhenCounterRowAppears(t *testing.T) {
	ctx := context.Background()
	st, d := newTableStorage(t)
	d.onNextBatch(func(d *tableDouble) {
		d.put("tickets", "b1", countersRowKey, map[string]any{"Tickets": 3, "Completed": 1})
	})
	if err := st.CreateTicket(ctx, newTicket("t1", "b1"), domain.CounterDelta{Tickets: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := counters(t, st, "b1"); got != (domain.CounterDelta{Tickets: 4, Completed: 1}) {
		t.Fatalf("unexpected counters %+v", got)
	}
	if _, ok := d.get("tickets", "b1", "t1"); !ok {
		t.Fatalf("ticket not written")
	}
}

func TestGetTicketUsesIndex(t *testing.T) {
	ctx := context.Background()
	st, d := newTableStorage(t)
	tk := newTicket("t1", "b1")
	if err := st.CreateTicket(ctx, tk, domain.CounterDelta{Tickets: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if row, ok := d.get("tickets", ticketIndexPartition, "t1"); !ok || row["BoardID"] != "b1" {
		t.Fatalf("index row missing: %v", row)
	}

	got, err := st.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BoardID != "b1" || got.Title != tk.Title || got.ETag != tk.ETag {
		t.Fatalf("unexpected ticket %+v", got)
	}
	if n := d.queryCount(); n != 0 {
		t.Fatalf("ticket lookup ran %d table queries", n)
	}

	for _, id := range []string{"missing", countersRowKey, ""} {
		if _, err := st.GetTicket(ctx, id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%q: expected not found, got %v", id, err)
		}
	}

	if err := st.DeleteTicket(ctx, got, domain.CounterDelta{Tickets: -1}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := d.get("tickets", ticketIndexPartition, "t1"); ok {
		t.Fatalf("index row left behind")
	}
	if _, err := st.GetTicket(ctx, "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestGetTicketWithDanglingIndex(t *testing.T) {
	st, d := newTableStorage(t)
	d.put("tickets", ticketIndexPartition, "t9", map[string]any{"BoardID": "b1"})
	if _, err := st.GetTicket(context.Background(), "t9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteTicketsForBoardInBatches(t *testing.T) {
	st, d := newTableStorage(t)
	for i := range 230 {
		id := fmt.Sprintf("t%03d", i)
		d.put("tickets", "b1", id, map[string]any{"Title": id})
		d.put("tickets", ticketIndexPartition, id, map[string]any{"BoardID": "b1"})
	}
	d.put("tickets", "b1", countersRowKey, map[string]any{"Tickets": 230, "Completed": 0})
	d.put("tickets", "b2", "other", map[string]any{"Title": "other"})
	d.put("tickets", ticketIndexPartition, "other", map[string]any{"BoardID": "b2"})

	if err := st.DeleteTicketsForBoard(context.Background(), "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := d.batchSizes(); !slices.Equal(got, []int{100, 100, 31, 100, 100, 30}) {
		t.Fatalf("unexpected batch sizes %v", got)
	}
	if n := d.count("tickets", "b1"); n != 0 {
		t.Fatalf("%d rows left in the board partition", n)
	}
	if n := d.count("tickets", ticketIndexPartition); n != 1 {
		t.Fatalf("expected only the other board's index row, found %d", n)
	}
	if _, ok := d.get("tickets", "b2", "other"); !ok {
		t.Fatalf("other board touched")
	}
}

func TestDeleteBatchRedoneWhenRowVanishes(t *testing.T) {
	st, d := newTableStorage(t)
	for i := range 3 {
		id := fmt.Sprintf("t%d", i)
		d.put("tickets", "b1", id, map[string]any{"Title": id})
	}
	d.onNextBatch(func(d *tableDouble) { d.remove("tickets", "b1", "t1") })

	if err := st.DeleteTicketsForBoard(context.Background(), "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := d.count("tickets", "b1"); n != 0 {
		t.Fatalf("%d rows left in the board partition", n)
	}
}

func batchFailure(status int) error {
	body := "--batchresponse_1\r\nContent-Type: multipart/mixed; boundary=changesetresponse_1\r\n\r\n" +
		"--changesetresponse_1\r\nContent-Type: application/http\r\nContent-Transfer-Encoding: binary\r\n\r\n" +
		fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\n\r\n{}\r\n", status, http.StatusText(status)) +
		"--changesetresponse_1--\r\n--batchresponse_1--\r\n"
	resp := &http.Response{StatusCode: http.StatusAccepted, Body: io.NopCloser(strings.NewReader(body))}
	return &azcore.ResponseError{StatusCode: http.StatusAccepted, RawResponse: resp}
}

func TestMapTransactionError(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{batchFailure(http.StatusPreconditionFailed), domain.ErrConcurrencyConflict},
		{batchFailure(http.StatusConflict), domain.ErrConflict},
		{batchFailure(http.StatusNotFound), domain.ErrNotFound},
		{&azcore.ResponseError{StatusCode: http.StatusConflict}, domain.ErrConflict},
	}
	for _, tc := range cases {
		if got := mapTransactionError(tc.err, "batch"); !errors.Is(got, tc.want) {
			t.Fatalf("%v mapped to %v, want %v", tc.err, got, tc.want)
		}
	}
	got := mapTransactionError(batchFailure(http.StatusBadRequest), "batch")
	if isConflict(got) || errors.Is(got, domain.ErrNotFound) || !strings.Contains(got.Error(), "400") {
		t.Fatalf("unexpected mapping %v", got)
	}
}
