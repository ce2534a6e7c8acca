package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/models"
	"github.com/BearBump/ParcelBox/internal/storage/pgparcel"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu       sync.Mutex
	carriers map[string]bool
	parcels  map[uint64]*models.Parcel
	nextID   uint64
	updates  []pgparcel.ParcelUpdate
}

func newFakeRepo(carrierIDs ...string) *fakeRepo {
	r := &fakeRepo{
		carriers: map[string]bool{},
		parcels:  map[uint64]*models.Parcel{},
	}
	for _, id := range carrierIDs {
		r.carriers[id] = true
	}
	return r
}

func (r *fakeRepo) EnsureCarriers(_ context.Context, cs []models.Carrier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		r.carriers[c.ID] = true
	}
	return nil
}

func (r *fakeRepo) CarrierExists(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.carriers[id], nil
}

func (r *fakeRepo) CreateParcel(_ context.Context, in models.ParcelCreateInput) (*models.Parcel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.parcels {
		if p.CarrierID == in.CarrierID && p.TrackingNumber == in.TrackingNumber {
			return nil, pgparcel.ErrDuplicateParcel
		}
	}
	r.nextID++
	p := &models.Parcel{
		ID:             r.nextID,
		TrackingNumber: in.TrackingNumber,
		CarrierID:      in.CarrierID,
		Description:    in.Description,
		Sender:         in.Sender,
		Status:         models.StatusUnknown,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	r.parcels[p.ID] = p
	return p, nil
}

func (r *fakeRepo) GetParcelByID(_ context.Context, id uint64) (*models.Parcel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parcels[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) ListParcels(_ context.Context, activeOnly bool) ([]*models.Parcel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Parcel
	for _, p := range r.parcels {
		if activeOnly && !p.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRepo) ListEvents(_ context.Context, _ uint64, _, _ int) ([]*models.TrackingEvent, error) {
	return nil, nil
}

func (r *fakeRepo) ApplyParcelUpdate(_ context.Context, upd pgparcel.ParcelUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, upd)
	if p, ok := r.parcels[upd.ParcelID]; ok {
		p.Status = upd.Status
		p.LastStatusText = upd.StatusText
		if upd.Status == models.StatusDelivered {
			p.IsActive = false
		}
	}
	return nil
}

func (r *fakeRepo) DeleteParcel(_ context.Context, id uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parcels[id]; !ok {
		return false, nil
	}
	delete(r.parcels, id)
	return true, nil
}

// stubCarrier отдаёт заранее заданный результат; матчинг и нормализация —
// настоящие, через Base.
type stubCarrier struct {
	*carriers.Base
	result carriers.TrackingResult
	calls  int
	mu     sync.Mutex
}

func newStubCarrier(t *testing.T, id, pattern string, res carriers.TrackingResult) *stubCarrier {
	t.Helper()
	cfg := carriers.Config{
		ID:      id,
		Name:    id,
		Enabled: true,
		TrackingPatterns: []carriers.PatternConfig{
			{Regex: pattern},
		},
	}
	return &stubCarrier{Base: carriers.NewBase(cfg), result: res}
}

func (c *stubCarrier) FetchStatus(_ context.Context, _ string) carriers.TrackingResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result
}

func (c *stubCarrier) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeRegistry struct {
	order    []string
	adapters map[string]carriers.Carrier
}

func newFakeRegistry(cs ...carriers.Carrier) *fakeRegistry {
	r := &fakeRegistry{adapters: map[string]carriers.Carrier{}}
	for _, c := range cs {
		id := c.Config().ID
		r.order = append(r.order, id)
		r.adapters[id] = c
	}
	return r
}

func (r *fakeRegistry) Get(id string) (carriers.Carrier, bool) {
	c, ok := r.adapters[id]
	return c, ok
}

func (r *fakeRegistry) Detect(trackingNumber string) []carriers.Carrier {
	var out []carriers.Carrier
	for _, id := range r.order {
		if r.adapters[id].MatchesTrackingNumber(trackingNumber) {
			out = append(out, r.adapters[id])
		}
	}
	return out
}

func (r *fakeRegistry) List() []carriers.Config {
	var out []carriers.Config
	for _, id := range r.order {
		out = append(out, r.adapters[id].Config())
	}
	return out
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type fakeProducer struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *fakeProducer) Publish(_ context.Context, _ string, _, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, value)
	return nil
}

func okResult(status models.ParcelStatus, text string) carriers.TrackingResult {
	return carriers.TrackingResult{
		Success:    true,
		Status:     status,
		StatusText: text,
	}
}

func TestAddParcel_DetectsCarrier(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, "In transit"))
	svc := New(newFakeRepo("royal-mail"), newFakeRegistry(rm))

	p, err := svc.AddParcel(context.Background(), "  rr123456789gb ", "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "RR123456789GB", p.TrackingNumber)
	require.Equal(t, "royal-mail", p.CarrierID)
	require.True(t, p.IsActive)
}

func TestAddParcel_Undetectable(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, ""))
	svc := New(newFakeRepo("royal-mail"), newFakeRegistry(rm))

	_, err := svc.AddParcel(context.Background(), "NOT-A-NUMBER", "", nil, nil)
	require.ErrorIs(t, err, ErrCarrierUndetectable)
}

func TestAddParcel_UnknownCarrier(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, ""))
	svc := New(newFakeRepo(), newFakeRegistry(rm))

	_, err := svc.AddParcel(context.Background(), "RR123456789GB", "royal-mail", nil, nil)
	require.ErrorIs(t, err, ErrUnknownCarrier)
}

func TestAddParcel_Duplicate(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, ""))
	svc := New(newFakeRepo("royal-mail"), newFakeRegistry(rm))

	_, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)

	_, err = svc.AddParcel(context.Background(), "rr123456789gb", "", nil, nil)
	require.ErrorIs(t, err, ErrDuplicateParcel)
}

func TestRefreshParcel_Success(t *testing.T) {
	loc := "London"
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, carriers.TrackingResult{
		Success:    true,
		Status:     models.StatusInTransit,
		StatusText: "Item in transit",
		Events: []carriers.Event{
			{StatusText: "Item received", Time: time.Now().Add(-2 * time.Hour), Location: &loc},
			{StatusText: "On its way to delivery hub", Time: time.Now().Add(-time.Hour)},
		},
	})
	repo := newFakeRepo("royal-mail")
	producer := &fakeProducer{}
	svc := New(repo, newFakeRegistry(rm)).WithProducer(producer, "parcel.updated")

	p, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)

	res := svc.RefreshParcel(context.Background(), p)
	require.True(t, res.Success)
	require.Equal(t, models.StatusInTransit, p.Status)
	require.Equal(t, "Item in transit", p.LastStatusText)
	require.NotNil(t, p.LastChecked)
	require.True(t, p.IsActive)

	require.Len(t, repo.updates, 1)
	upd := repo.updates[0]
	require.Len(t, upd.Events, 2)
	// Каждое событие нормализовано по своему тексту.
	require.Equal(t, models.StatusReceived, upd.Events[0].Status)
	require.Equal(t, models.StatusInTransit, upd.Events[1].Status)

	require.Len(t, producer.messages, 1)
}

func TestRefreshParcel_DeliveredDeactivates(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusDelivered, "Item Delivered"))
	repo := newFakeRepo("royal-mail")
	svc := New(repo, newFakeRegistry(rm))

	p, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)

	res := svc.RefreshParcel(context.Background(), p)
	require.True(t, res.Success)
	require.False(t, p.IsActive)

	stored, err := repo.GetParcelByID(context.Background(), p.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)
}

func TestRefreshParcel_FailureLeavesStateUntouched(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, carriers.Failf("upstream timeout"))
	repo := newFakeRepo("royal-mail")
	svc := New(repo, newFakeRegistry(rm))

	p, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)

	res := svc.RefreshParcel(context.Background(), p)
	require.False(t, res.Success)
	require.Equal(t, "upstream timeout", res.Error)
	require.Equal(t, models.StatusUnknown, p.Status)
	require.Nil(t, p.LastChecked)
	require.Empty(t, repo.updates)
}

func TestRefreshParcel_UnregisteredCarrier(t *testing.T) {
	svc := New(newFakeRepo(), newFakeRegistry())

	res := svc.RefreshParcel(context.Background(), &models.Parcel{ID: 1, CarrierID: "ghost"})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "data integrity problem")
}

func TestRefreshAllActive_PartialFailure(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, "In transit"))
	dpd := newStubCarrier(t, "dpd", `[0-9]{14}`, carriers.Failf("could not parse tracking page"))
	repo := newFakeRepo("royal-mail", "dpd")
	svc := New(repo, newFakeRegistry(rm, dpd)).WithSettings(2, time.Second)

	p1, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)
	p2, err := svc.AddParcel(context.Background(), "12345678901234", "", nil, nil)
	require.NoError(t, err)

	results, err := svc.RefreshAllActive(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[p1.ID].Success)
	require.False(t, results[p2.ID].Success)
}

func TestRefreshAllActive_SkipsInactive(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusDelivered, "Item Delivered"))
	repo := newFakeRepo("royal-mail")
	svc := New(repo, newFakeRegistry(rm))

	p, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)
	svc.RefreshParcel(context.Background(), p)
	require.Equal(t, 1, rm.fetchCount())

	// Доставленная посылка больше не опрашивается.
	results, err := svc.RefreshAllActive(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, 1, rm.fetchCount())
}

func TestGetParcel_CacheAside(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, ""))
	repo := newFakeRepo("royal-mail")
	c := newFakeCache()
	svc := New(repo, newFakeRegistry(rm)).WithCache(c, time.Minute)

	p, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)

	got, err := svc.GetParcel(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	// Из кэша читаем даже после удаления из хранилища.
	repo.mu.Lock()
	delete(repo.parcels, p.ID)
	repo.mu.Unlock()

	got, err = svc.GetParcel(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, p.TrackingNumber, got.TrackingNumber)
}

func TestDeleteParcel_InvalidatesCache(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, ""))
	repo := newFakeRepo("royal-mail")
	c := newFakeCache()
	svc := New(repo, newFakeRegistry(rm)).WithCache(c, time.Minute)

	p, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)

	_, err = svc.GetParcel(context.Background(), p.ID)
	require.NoError(t, err)

	deleted, err := svc.DeleteParcel(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	got, err := svc.GetParcel(context.Background(), p.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	deleted, err = svc.DeleteParcel(context.Background(), p.ID)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestDeleteParcel_DropsParcelLock(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, ""))
	repo := newFakeRepo("royal-mail")
	svc := New(repo, newFakeRegistry(rm))

	p, err := svc.AddParcel(context.Background(), "RR123456789GB", "", nil, nil)
	require.NoError(t, err)

	res := svc.RefreshParcel(context.Background(), p)
	require.True(t, res.Success)

	svc.locksMu.Lock()
	_, held := svc.locks[p.ID]
	svc.locksMu.Unlock()
	require.True(t, held)

	deleted, err := svc.DeleteParcel(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	svc.locksMu.Lock()
	_, held = svc.locks[p.ID]
	svc.locksMu.Unlock()
	require.False(t, held)
}

func TestEnsureCarriers(t *testing.T) {
	rm := newStubCarrier(t, "royal-mail", `[A-Z]{2}[0-9]{9}GB`, okResult(models.StatusInTransit, ""))
	repo := newFakeRepo()
	svc := New(repo, newFakeRegistry(rm))

	require.NoError(t, svc.EnsureCarriers(context.Background()))

	ok, err := repo.CarrierExists(context.Background(), "royal-mail")
	require.NoError(t, err)
	require.True(t, ok)
}
