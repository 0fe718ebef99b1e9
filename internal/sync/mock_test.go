package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/model"
	"github.com/treemapper/treesync/internal/state"
)

// --- Mock Repository ---------------------------------------------------------

type mockStore struct {
	mu      sync.Mutex
	records map[string]*model.Inventory
	order   []string

	updateErr error
	listErr   error
	writes    int

	leaseHolder string
	leaseCalls  int
}

func newMockStore(invs ...*model.Inventory) *mockStore {
	m := &mockStore{records: make(map[string]*model.Inventory)}
	for _, inv := range invs {
		m.records[inv.ID] = cloneInventory(inv)
		m.order = append(m.order, inv.ID)
	}
	return m
}

func (m *mockStore) ListByStatus(_ context.Context, statuses ...model.Status) ([]*model.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Inventory
	for _, id := range m.order {
		inv := m.records[id]
		if slices.Contains(statuses, inv.Status) {
			out = append(out, cloneInventory(inv))
		}
	}
	return out, nil
}

func (m *mockStore) UpdateStatus(_ context.Context, id string, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	inv, ok := m.records[id]
	if !ok {
		return fmt.Errorf("inventory %s: %w", id, state.ErrNotFound)
	}
	inv.Status = status
	m.writes++
	return nil
}

func (m *mockStore) UpdateStatusAndResponse(_ context.Context, id string, status model.Status, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	inv, ok := m.records[id]
	if !ok {
		return fmt.Errorf("inventory %s: %w", id, state.ErrNotFound)
	}
	inv.Status = status
	inv.RemoteResponse = slices.Clone(response)
	m.writes++
	return nil
}

func (m *mockStore) MarkImageUploaded(_ context.Context, inventoryID, coordinateID, cdnImageURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.records[inventoryID]
	if !ok {
		return fmt.Errorf("inventory %s: %w", inventoryID, state.ErrNotFound)
	}
	for i := range inv.Coordinates {
		if inv.Coordinates[i].ID == coordinateID {
			inv.Coordinates[i].ImageUploaded = true
			if cdnImageURL != "" {
				inv.Coordinates[i].CDNImageURL = cdnImageURL
			}
			m.writes++
			return nil
		}
	}
	return fmt.Errorf("coordinate %s: %w", coordinateID, state.ErrNotFound)
}

func (m *mockStore) AcquireRunLease(_ context.Context, holder string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leaseCalls++
	if m.leaseHolder != "" && m.leaseHolder != holder {
		return false, nil
	}
	m.leaseHolder = holder
	return true, nil
}

func (m *mockStore) ReleaseRunLease(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leaseHolder == holder {
		m.leaseHolder = ""
	}
	return nil
}

func (m *mockStore) get(id string) *model.Inventory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneInventory(m.records[id])
}

func (m *mockStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func cloneInventory(inv *model.Inventory) *model.Inventory {
	if inv == nil {
		return nil
	}
	cp := *inv
	cp.Species = slices.Clone(inv.Species)
	cp.Coordinates = slices.Clone(inv.Coordinates)
	cp.RemoteResponse = slices.Clone(inv.RemoteResponse)
	return &cp
}

// --- Mock plant-location API -------------------------------------------------

type mockAPI struct {
	mu        sync.Mutex
	nextID    int
	locations map[string]*api.PlantLocation

	// createErr decides per request whether creation fails.
	createErr func(req *api.PlantLocationRequest) error
	getErr    error
	putErr    map[string]error // coordinate ID → error

	creates  []*api.PlantLocationRequest
	gets     []string
	puts     []string // "locationID/coordinateID" of successful PUTs
	putTries int
}

func newMockAPI() *mockAPI {
	return &mockAPI{locations: make(map[string]*api.PlantLocation), putErr: make(map[string]error)}
}

// seed stores a location as if created in an earlier run and returns the
// raw response the client would have persisted.
func (m *mockAPI) seed(loc *api.PlantLocation) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *loc
	cp.Coordinates = slices.Clone(loc.Coordinates)
	m.locations[loc.ID] = &cp
	raw, _ := json.Marshal(&cp)
	return raw
}

func (m *mockAPI) CreatePlantLocation(_ context.Context, _ api.Credentials, req *api.PlantLocationRequest) (*api.PlantLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creates = append(m.creates, req)
	if m.createErr != nil {
		if err := m.createErr(req); err != nil {
			return nil, err
		}
	}

	n := 1
	if ring, ok := req.Geometry.Coordinates.([][][]float64); ok {
		n = len(ring[0])
	}
	m.nextID++
	loc := &api.PlantLocation{ID: fmt.Sprintf("loc-%d", m.nextID)}
	for i := range n {
		loc.Coordinates = append(loc.Coordinates, api.RemoteCoordinate{
			ID:              fmt.Sprintf("c%d", i+1),
			CoordinateIndex: i,
			Status:          "pending",
		})
	}
	m.locations[loc.ID] = loc
	return m.snapshot(loc), nil
}

func (m *mockAPI) GetPlantLocation(_ context.Context, _ api.Credentials, id string) (*api.PlantLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gets = append(m.gets, id)
	if m.getErr != nil {
		return nil, m.getErr
	}
	loc, ok := m.locations[id]
	if !ok {
		return nil, &api.StatusError{Method: "GET", Path: "/plantLocations/" + id, Code: 404}
	}
	return m.snapshot(loc), nil
}

func (m *mockAPI) UploadCoordinateImage(_ context.Context, _ api.Credentials, locationID, coordinateID string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putTries++
	if err := m.putErr[coordinateID]; err != nil {
		return "", err
	}
	loc, ok := m.locations[locationID]
	if !ok {
		return "", errors.New("unknown location")
	}
	for i := range loc.Coordinates {
		if loc.Coordinates[i].ID == coordinateID {
			ref := cdnURL(locationID, coordinateID)
			loc.Coordinates[i].Status = api.CoordinateStatusComplete
			loc.Coordinates[i].Image = ref
			m.puts = append(m.puts, locationID+"/"+coordinateID)
			return ref, nil
		}
	}
	return "", errors.New("unknown coordinate")
}

func cdnURL(locationID, coordinateID string) string {
	return "https://cdn.test/" + locationID + "/" + coordinateID + ".png"
}

func (m *mockAPI) setPutErr(coordinateID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.putErr, coordinateID)
		return
	}
	m.putErr[coordinateID] = err
}

func (m *mockAPI) counts() (creates, gets, puts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creates), len(m.gets), m.putTries
}

func (m *mockAPI) snapshot(loc *api.PlantLocation) *api.PlantLocation {
	cp := *loc
	cp.Coordinates = slices.Clone(loc.Coordinates)
	cp.Raw, _ = json.Marshal(&cp)
	return &cp
}

// --- Mock collaborators ------------------------------------------------------

type mockSession struct {
	err   error
	calls int
}

func (m *mockSession) Credentials(_ context.Context) (api.Credentials, error) {
	m.calls++
	if m.err != nil {
		return api.Credentials{}, m.err
	}
	return api.Credentials{Token: "tok", SessionID: fmt.Sprintf("sess-%d", m.calls)}, nil
}

type mockLocation struct {
	err error
}

func (m mockLocation) Position(_ context.Context) (model.Position, error) {
	if m.err != nil {
		return model.Position{}, m.err
	}
	return model.Position{Latitude: 52.52, Longitude: 13.40, Accuracy: 5}, nil
}

type mockImages struct {
	missing map[string]bool
}

func (m mockImages) ReadImage(_ context.Context, ref string) ([]byte, error) {
	if ref == "" || m.missing[ref] {
		return nil, fmt.Errorf("image %q not found", ref)
	}
	return []byte("png:" + ref), nil
}
