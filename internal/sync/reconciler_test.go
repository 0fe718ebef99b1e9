package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/model"
)

func TestReconciler_Created(t *testing.T) {
	tests := []struct {
		name string
		mode model.CaptureMode
		want model.Status
	}{
		{"on-site goes to uploading", model.CaptureOnSite, model.StatusUploading},
		{"off-site goes to complete", model.CaptureOffSite, model.StatusComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newInventory("inv-1", tt.mode, model.StatusPending, 1)
			store := newMockStore(inv)
			r := NewReconciler(store, testLogger)

			loc := &api.PlantLocation{ID: "loc-1", Raw: []byte(`{"id":"loc-1"}`)}
			if err := r.Created(context.Background(), inv, loc); err != nil {
				t.Fatalf("Created: %v", err)
			}
			if inv.Status != tt.want {
				t.Errorf("in-memory status = %s, want %s", inv.Status, tt.want)
			}
			got := store.get("inv-1")
			if got.Status != tt.want {
				t.Errorf("stored status = %s, want %s", got.Status, tt.want)
			}
			if string(got.RemoteResponse) != `{"id":"loc-1"}` {
				t.Errorf("stored response = %s", got.RemoteResponse)
			}
			if store.writeCount() != 1 {
				t.Errorf("writes = %d, want 1 (status and response together)", store.writeCount())
			}
		})
	}
}

func TestReconciler_Finalize(t *testing.T) {
	tests := []struct {
		name       string
		status     model.Status
		allDone    bool
		want       model.Status
		wantWrites int
	}{
		{"all images done", model.StatusUploading, true, model.StatusComplete, 1},
		{"images outstanding", model.StatusUploading, false, model.StatusUploading, 0},
		{"already complete", model.StatusComplete, true, model.StatusComplete, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newInventory("inv-1", model.CaptureOnSite, tt.status, 1)
			store := newMockStore(inv)
			r := NewReconciler(store, testLogger)

			if err := r.Finalize(context.Background(), inv, tt.allDone); err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			if got := store.get("inv-1").Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
			if store.writeCount() != tt.wantWrites {
				t.Errorf("writes = %d, want %d", store.writeCount(), tt.wantWrites)
			}
		})
	}
}

func TestReconciler_Resumed(t *testing.T) {
	inv := newInventory("inv-1", model.CaptureOnSite, model.StatusUploading, 1)
	store := newMockStore(inv)
	r := NewReconciler(store, testLogger)

	if err := r.Resumed(context.Background(), inv); err != nil {
		t.Fatalf("Resumed: %v", err)
	}
	if store.writeCount() != 0 {
		t.Errorf("writes = %d, want 0 for an uploading record", store.writeCount())
	}

	pending := newInventory("inv-2", model.CaptureOnSite, model.StatusPending, 1)
	store = newMockStore(pending)
	r = NewReconciler(store, testLogger)
	if err := r.Resumed(context.Background(), pending); err != nil {
		t.Fatalf("Resumed: %v", err)
	}
	if got := store.get("inv-2").Status; got != model.StatusUploading {
		t.Errorf("status = %s, want uploading", got)
	}
}

func TestReconciler_RefusesRegression(t *testing.T) {
	inv := newInventory("inv-1", model.CaptureOnSite, model.StatusComplete, 1)
	store := newMockStore(inv)
	r := NewReconciler(store, testLogger)

	err := r.Created(context.Background(), inv, &api.PlantLocation{ID: "loc-1", Raw: []byte(`{}`)})
	if !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("error = %v, want ErrStatusRegression", err)
	}
	if inv.Status != model.StatusComplete {
		t.Errorf("in-memory status = %s, want complete", inv.Status)
	}
	if store.writeCount() != 0 {
		t.Errorf("writes = %d, want 0", store.writeCount())
	}
}

func TestReconciler_StoreErrorKeepsMemoryState(t *testing.T) {
	inv := newInventory("inv-1", model.CaptureOnSite, model.StatusUploading, 1)
	store := newMockStore(inv)
	store.updateErr = errors.New("database is locked")
	r := NewReconciler(store, testLogger)

	if err := r.Finalize(context.Background(), inv, true); err == nil {
		t.Fatal("expected error")
	}
	if inv.Status != model.StatusUploading {
		t.Errorf("in-memory status = %s, want uploading", inv.Status)
	}
}
