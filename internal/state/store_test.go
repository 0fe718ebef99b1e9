package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/treemapper/treesync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-inventory.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleInventory() *model.Inventory {
	return &model.Inventory{
		TreeType:    model.TreeMulti,
		CaptureMode: model.CaptureOnSite,
		Status:      model.StatusPending,
		Species: []model.Species{
			{Name: "Acacia mangium", TreeCount: 40},
			{Name: "Cedrela odorata", TreeCount: 12},
		},
		Coordinates: []model.Coordinate{
			{Index: 0, Latitude: 18.51, Longitude: -88.30, ImageURL: "img/0.jpg"},
			{Index: 1, Latitude: 18.52, Longitude: -88.30, ImageURL: "img/1.jpg"},
			{Index: 2, Latitude: 18.52, Longitude: -88.31, ImageURL: "img/2.jpg"},
		},
		PlantationDate: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
	}
}

func mustCreate(t *testing.T, s *Store, inv *model.Inventory) {
	t.Helper()
	if err := s.CreateInventory(context.Background(), inv); err != nil {
		t.Fatalf("CreateInventory: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	inv := sampleInventory()
	mustCreate(t, s1, inv)
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.GetInventory(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if got == nil {
		t.Fatal("inventory lost after reopen")
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inv := sampleInventory()
	mustCreate(t, s, inv)

	if inv.ID == "" {
		t.Fatal("CreateInventory did not assign an ID")
	}
	for i, c := range inv.Coordinates {
		if c.ID == "" {
			t.Errorf("coordinate %d has no ID", i)
		}
	}

	got, err := s.GetInventory(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if got == nil {
		t.Fatal("GetInventory returned nil, want inventory")
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if len(got.Species) != 2 || got.Species[1].Name != "Cedrela odorata" || got.Species[1].TreeCount != 12 {
		t.Errorf("Species = %+v", got.Species)
	}
	if len(got.Coordinates) != 3 {
		t.Fatalf("Coordinates len = %d, want 3", len(got.Coordinates))
	}
	if got.Coordinates[2].ID != inv.Coordinates[2].ID {
		t.Errorf("coordinate IDs not preserved")
	}
	if got.Coordinates[1].ImageURL != "img/1.jpg" {
		t.Errorf("ImageURL = %q, want img/1.jpg", got.Coordinates[1].ImageURL)
	}
	if !got.PlantationDate.Equal(inv.PlantationDate) {
		t.Errorf("PlantationDate = %v, want %v", got.PlantationDate, inv.PlantationDate)
	}
	if got.HasRemote() {
		t.Error("fresh inventory must not have a remote response")
	}
}

func TestCreateInventories_AllOrNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := sampleInventory()
	dup := sampleInventory()
	dup.Coordinates[2].Index = 1 // collides with coordinate 1

	if err := s.CreateInventories(ctx, []*model.Inventory{first, dup}); err == nil {
		t.Fatal("expected error for duplicate coordinate index")
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if n := counts[model.StatusPending]; n != 0 {
		t.Errorf("pending records = %d, want 0 after a failed batch", n)
	}

	if err := s.CreateInventories(ctx, []*model.Inventory{sampleInventory(), sampleInventory()}); err != nil {
		t.Fatalf("CreateInventories: %v", err)
	}
	counts, _ = s.CountByStatus(ctx)
	if n := counts[model.StatusPending]; n != 2 {
		t.Errorf("pending records = %d, want 2", n)
	}
}

func TestCreate_DefaultsToIncomplete(t *testing.T) {
	s := openTestStore(t)
	inv := sampleInventory()
	inv.Status = ""
	mustCreate(t, s, inv)

	got, err := s.GetInventory(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if got.Status != model.StatusIncomplete {
		t.Errorf("Status = %q, want incomplete", got.Status)
	}
}

func TestGetInventory_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetInventory(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing inventory, got %+v", got)
	}
}

func TestListByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	statuses := []model.Status{
		model.StatusPending,
		model.StatusIncomplete,
		model.StatusUploading,
		model.StatusComplete,
		model.StatusPending,
	}
	var ids []string
	for _, st := range statuses {
		inv := sampleInventory()
		inv.Status = st
		mustCreate(t, s, inv)
		ids = append(ids, inv.ID)
	}

	got, err := s.ListByStatus(ctx, model.StatusPending, model.StatusUploading)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d inventories, want 3", len(got))
	}
	// Insertion order is preserved.
	want := []string{ids[0], ids[2], ids[4]}
	for i, inv := range got {
		if inv.ID != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, inv.ID, want[i])
		}
		if len(inv.Coordinates) != 3 {
			t.Errorf("got[%d] has %d coordinates, want 3", i, len(inv.Coordinates))
		}
	}

	none, err := s.ListByStatus(ctx)
	if err != nil {
		t.Fatalf("ListByStatus(): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListByStatus() returned %d, want 0", len(none))
	}
}

func TestUpdateStatusAndResponse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inv := sampleInventory()
	mustCreate(t, s, inv)

	resp := []byte(`{"id":"loc-1","coordinates":[]}`)
	if err := s.UpdateStatusAndResponse(ctx, inv.ID, model.StatusUploading, resp); err != nil {
		t.Fatalf("UpdateStatusAndResponse: %v", err)
	}

	got, err := s.GetInventory(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if got.Status != model.StatusUploading {
		t.Errorf("Status = %q, want uploading", got.Status)
	}
	if string(got.RemoteResponse) != string(resp) {
		t.Errorf("RemoteResponse = %s, want %s", got.RemoteResponse, resp)
	}

	if err := s.UpdateStatus(ctx, inv.ID, model.StatusComplete); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ = s.GetInventory(ctx, inv.ID)
	if got.Status != model.StatusComplete {
		t.Errorf("Status = %q, want complete", got.Status)
	}
	if !got.HasRemote() {
		t.Error("UpdateStatus must not clear the stored response")
	}
}

func TestUpdates_MissingInventory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateStatus(ctx, "nope", model.StatusComplete); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateStatusAndResponse(ctx, "nope", model.StatusUploading, []byte("{}")); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatusAndResponse error = %v, want ErrNotFound", err)
	}
	if err := s.MarkImageUploaded(ctx, "nope", "c", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkImageUploaded error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteInventory(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteInventory error = %v, want ErrNotFound", err)
	}
}

func TestMarkImageUploaded_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inv := sampleInventory()
	mustCreate(t, s, inv)
	coordID := inv.Coordinates[1].ID

	for i := 0; i < 2; i++ {
		if err := s.MarkImageUploaded(ctx, inv.ID, coordID, ""); err != nil {
			t.Fatalf("MarkImageUploaded pass %d: %v", i, err)
		}
	}

	got, _ := s.GetInventory(ctx, inv.ID)
	for _, c := range got.Coordinates {
		want := c.ID == coordID
		if c.ImageUploaded != want {
			t.Errorf("coordinate %d ImageUploaded = %v, want %v", c.Index, c.ImageUploaded, want)
		}
	}
}

func TestMarkImageUploaded_KeepsCDNImageURL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inv := sampleInventory()
	mustCreate(t, s, inv)
	coordID := inv.Coordinates[0].ID

	const ref = "https://cdn.test/0.jpg"
	if err := s.MarkImageUploaded(ctx, inv.ID, coordID, ref); err != nil {
		t.Fatalf("MarkImageUploaded: %v", err)
	}
	// A later confirmation without a reference must not clear it.
	if err := s.MarkImageUploaded(ctx, inv.ID, coordID, ""); err != nil {
		t.Fatalf("MarkImageUploaded: %v", err)
	}

	got, _ := s.GetInventory(ctx, inv.ID)
	if got.Coordinates[0].CDNImageURL != ref {
		t.Errorf("CDNImageURL = %q, want %q", got.Coordinates[0].CDNImageURL, ref)
	}
	if got.Coordinates[1].CDNImageURL != "" {
		t.Errorf("coordinate 1 CDNImageURL = %q, want empty", got.Coordinates[1].CDNImageURL)
	}
}

func TestUpdatePlantationDate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inv := sampleInventory()
	mustCreate(t, s, inv)

	date := time.Date(2025, 11, 2, 0, 0, 0, 0, time.UTC)
	if err := s.UpdatePlantationDate(ctx, inv.ID, date); err != nil {
		t.Fatalf("UpdatePlantationDate: %v", err)
	}
	got, _ := s.GetInventory(ctx, inv.ID)
	if !got.PlantationDate.Equal(date) {
		t.Errorf("PlantationDate = %v, want %v", got.PlantationDate, date)
	}
}

func TestDeleteInventory_Cascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inv := sampleInventory()
	mustCreate(t, s, inv)

	if err := s.DeleteInventory(ctx, inv.ID); err != nil {
		t.Fatalf("DeleteInventory: %v", err)
	}
	got, err := s.GetInventory(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if got != nil {
		t.Error("inventory still present after delete")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory_coordinates`).Scan(&n); err != nil {
		t.Fatalf("counting coordinates: %v", err)
	}
	if n != 0 {
		t.Errorf("%d orphan coordinates left", n)
	}
}

func TestDeleteByStatusAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, st := range []model.Status{model.StatusComplete, model.StatusComplete, model.StatusPending} {
		inv := sampleInventory()
		inv.Status = st
		mustCreate(t, s, inv)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[model.StatusComplete] != 2 || counts[model.StatusPending] != 1 {
		t.Errorf("counts = %v", counts)
	}

	n, err := s.DeleteByStatus(ctx, model.StatusComplete)
	if err != nil {
		t.Fatalf("DeleteByStatus: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}

	counts, _ = s.CountByStatus(ctx)
	if _, ok := counts[model.StatusComplete]; ok {
		t.Errorf("complete inventories remain: %v", counts)
	}
}

func TestRunLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.AcquireRunLease(ctx, "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v; want true, nil", ok, err)
	}

	ok, err = s.AcquireRunLease(ctx, "b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("second holder acquired a held lease")
	}

	// Same holder may extend.
	if ok, _ := s.AcquireRunLease(ctx, "a", time.Minute); !ok {
		t.Error("holder could not extend its own lease")
	}

	// Expired lease can be taken over.
	now = now.Add(2 * time.Minute)
	if ok, _ := s.AcquireRunLease(ctx, "b", time.Minute); !ok {
		t.Error("expired lease was not taken over")
	}

	// Releasing by a non-holder leaves the lease in place.
	if err := s.ReleaseRunLease(ctx, "a"); err != nil {
		t.Fatalf("ReleaseRunLease(a): %v", err)
	}
	if ok, _ := s.AcquireRunLease(ctx, "a", time.Minute); ok {
		t.Error("non-holder release freed the lease")
	}

	if err := s.ReleaseRunLease(ctx, "b"); err != nil {
		t.Fatalf("ReleaseRunLease(b): %v", err)
	}
	if ok, _ := s.AcquireRunLease(ctx, "a", time.Minute); !ok {
		t.Error("lease not free after release")
	}
}
