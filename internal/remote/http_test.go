package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskdeck/offsync/internal/queue"
)

func testRecord(op queue.Operation, entityID string, payload string) *queue.ChangeRecord {
	rec := &queue.ChangeRecord{
		ID:         "chg-1",
		EntityType: "task",
		EntityID:   entityID,
		Operation:  op,
		CreatedAt:  time.Now().UTC(),
		Status:     queue.StatusInFlight,
	}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	return rec
}

func newTestApplier(t *testing.T, handler http.HandlerFunc) (*HTTPApplier, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewHTTPApplier(srv.URL,
		WithToken("test-token"),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	if err != nil {
		t.Fatalf("NewHTTPApplier() failed: %v", err)
	}
	return a, srv
}

// TestApply_CreateRoutesAndReturnsServerID verifies the create path,
// the route shape, and the headers every request carries.
func TestApply_CreateRoutesAndReturnsServerID(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotKey string
	a, _ := newTestApplier(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		json.NewEncoder(w).Encode(applyResponse{ID: "srv-42", LastModified: time.Now().UTC()})
	})

	res, err := a.Apply(context.Background(), testRecord(queue.OpCreate, "local-1", `{"title":"A"}`))
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/entities/task" {
		t.Errorf("request = %s %s, want POST /entities/task", gotMethod, gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotKey != "chg-1" {
		t.Errorf("Idempotency-Key = %q, want change ID", gotKey)
	}
	if res.EntityID != "srv-42" {
		t.Errorf("EntityID = %q, want server-assigned srv-42", res.EntityID)
	}
}

// TestApply_UpdateAndDeleteRoutes verifies the per-operation routes.
func TestApply_UpdateAndDeleteRoutes(t *testing.T) {
	var gotMethod, gotPath string
	a, _ := newTestApplier(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	if _, err := a.Apply(context.Background(), testRecord(queue.OpUpdate, "t1", `{"title":"B"}`)); err != nil {
		t.Fatalf("Apply(update) failed: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/entities/task/t1" {
		t.Errorf("update request = %s %s, want PATCH /entities/task/t1", gotMethod, gotPath)
	}

	if _, err := a.Apply(context.Background(), testRecord(queue.OpDelete, "t1", "")); err != nil {
		t.Fatalf("Apply(delete) failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/entities/task/t1" {
		t.Errorf("delete request = %s %s, want DELETE /entities/task/t1", gotMethod, gotPath)
	}
}

// TestApply_Classification verifies the status-to-class mapping.
func TestApply_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"500 is transient", http.StatusInternalServerError, IsTransient},
		{"503 is transient", http.StatusServiceUnavailable, IsTransient},
		{"429 is transient", http.StatusTooManyRequests, IsTransient},
		{"400 is permanent", http.StatusBadRequest, IsPermanent},
		{"422 is permanent", http.StatusUnprocessableEntity, IsPermanent},
		{"409 is conflict", http.StatusConflict, IsConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestApplier(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := a.Apply(context.Background(), testRecord(queue.OpUpdate, "t1", `{}`))
			if err == nil {
				t.Fatal("Apply() succeeded for an error status")
			}
			if !tt.check(err) {
				t.Errorf("classification wrong for status %d: %v", tt.status, err)
			}
		})
	}
}

// TestApply_NetworkErrorIsTransient verifies that a dead server maps to
// a retryable failure.
func TestApply_NetworkErrorIsTransient(t *testing.T) {
	a, srv := newTestApplier(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := a.Apply(context.Background(), testRecord(queue.OpUpdate, "t1", `{}`))
	if err == nil {
		t.Fatal("Apply() succeeded against a closed server")
	}
	if !IsTransient(err) {
		t.Errorf("network error not classified transient: %v", err)
	}
}

// TestApply_ConflictCarriesServerEntity verifies that a 409 body is
// surfaced for the conflict policy.
func TestApply_ConflictCarriesServerEntity(t *testing.T) {
	serverCopy := ServerEntity{
		ID:           "t1",
		LastModified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:         json.RawMessage(`{"title":"Server title"}`),
	}
	a, _ := newTestApplier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(conflictResponse{Entity: serverCopy})
	})

	_, err := a.Apply(context.Background(), testRecord(queue.OpUpdate, "t1", `{"title":"Local title"}`))
	if !IsConflict(err) {
		t.Fatalf("Apply() error = %v, want conflict", err)
	}

	got := ConflictServerEntity(err)
	if got == nil {
		t.Fatal("conflict error carries no server entity")
	}
	if got.ID != "t1" || !got.LastModified.Equal(serverCopy.LastModified) {
		t.Errorf("server entity = %+v, want %+v", got, serverCopy)
	}
}

// TestApply_DeleteOfMissingEntitySucceeds verifies the 404-on-delete
// special case.
func TestApply_DeleteOfMissingEntitySucceeds(t *testing.T) {
	a, _ := newTestApplier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	res, err := a.Apply(context.Background(), testRecord(queue.OpDelete, "gone", ""))
	if err != nil {
		t.Fatalf("Apply(delete) of missing entity failed: %v", err)
	}
	if res.EntityID != "gone" {
		t.Errorf("EntityID = %q, want gone", res.EntityID)
	}

	// A 404 on update is still permanent.
	_, err = a.Apply(context.Background(), testRecord(queue.OpUpdate, "gone", `{}`))
	if !IsPermanent(err) {
		t.Errorf("404 on update not classified permanent: %v", err)
	}
}

// TestIsTransient_DefaultsForUnclassifiedErrors verifies the retry-safe
// default for plain errors.
func TestIsTransient_DefaultsForUnclassifiedErrors(t *testing.T) {
	if !IsTransient(errors.New("something broke")) {
		t.Error("unclassified error not treated as transient")
	}
	if IsPermanent(errors.New("something broke")) {
		t.Error("unclassified error treated as permanent")
	}
	if IsConflict(errors.New("something broke")) {
		t.Error("unclassified error treated as conflict")
	}
}
