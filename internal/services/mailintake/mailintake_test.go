package mailintake

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/BearBump/ParcelBox/internal/broker/messages"
	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/models"
	"github.com/BearBump/ParcelBox/internal/services/tracker"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	addErr    error
	added     []string
	refreshed []uint64
}

func (t *fakeTracker) AddParcel(_ context.Context, trackingNumber, carrierID string, _, _ *string) (*models.Parcel, error) {
	if t.addErr != nil {
		return nil, t.addErr
	}
	t.added = append(t.added, carrierID+":"+trackingNumber)
	return &models.Parcel{ID: uint64(len(t.added)), TrackingNumber: trackingNumber, CarrierID: carrierID}, nil
}

func (t *fakeTracker) RefreshParcel(_ context.Context, p *models.Parcel) carriers.TrackingResult {
	t.refreshed = append(t.refreshed, p.ID)
	return carriers.TrackingResult{Success: true, Status: models.StatusInTransit}
}

type stubCarrier struct {
	*carriers.Base
}

func (c *stubCarrier) FetchStatus(_ context.Context, _ string) carriers.TrackingResult {
	return carriers.TrackingResult{Success: true, Status: models.StatusInTransit}
}

type fakeRegistry struct {
	order    []string
	adapters map[string]carriers.Carrier
}

func newFakeRegistry(t *testing.T, patterns map[string]string, ids ...string) *fakeRegistry {
	t.Helper()
	r := &fakeRegistry{adapters: map[string]carriers.Carrier{}}
	for _, id := range ids {
		cfg := carriers.Config{
			ID:      id,
			Name:    id,
			Enabled: true,
			TrackingPatterns: []carriers.PatternConfig{
				{Regex: patterns[id]},
			},
		}
		r.order = append(r.order, id)
		r.adapters[id] = &stubCarrier{Base: carriers.NewBase(cfg)}
	}
	return r
}

func (r *fakeRegistry) Get(id string) (carriers.Carrier, bool) {
	c, ok := r.adapters[id]
	return c, ok
}

func (r *fakeRegistry) List() []carriers.Config {
	var out []carriers.Config
	for _, id := range r.order {
		out = append(out, r.adapters[id].Config())
	}
	return out
}

func emailPayload(t *testing.T, subject, body string) []byte {
	t.Helper()
	b, err := json.Marshal(messages.InboundEmail{Subject: subject, Body: body})
	require.NoError(t, err)
	return b
}

func TestHandle_RegistersAndRefreshes(t *testing.T) {
	reg := newFakeRegistry(t, map[string]string{
		"royal-mail": `[A-Z]{2}[0-9]{9}GB`,
	}, "royal-mail")
	tr := &fakeTracker{}
	svc := New(tr, reg)

	payload := emailPayload(t, "Your order has shipped",
		"Your item RR123456789GB is on its way.")
	require.NoError(t, svc.Handle(context.Background(), nil, payload))

	require.Equal(t, []string{"royal-mail:RR123456789GB"}, tr.added)
	require.Equal(t, []uint64{1}, tr.refreshed)
}

func TestHandle_FirstMatchingAdapterWins(t *testing.T) {
	reg := newFakeRegistry(t, map[string]string{
		"royal-mail": `[A-Z]{2}[0-9]{9}GB`,
		"dpd":        `[0-9]{14}`,
	}, "royal-mail", "dpd")
	tr := &fakeTracker{}
	svc := New(tr, reg)

	payload := emailPayload(t, "Dispatch confirmation",
		"Reference 12345678901234, also RR123456789GB.")
	require.NoError(t, svc.Handle(context.Background(), nil, payload))

	require.Equal(t, []string{"royal-mail:RR123456789GB"}, tr.added)
}

func TestHandle_NoTrackingNumber(t *testing.T) {
	reg := newFakeRegistry(t, map[string]string{
		"royal-mail": `[A-Z]{2}[0-9]{9}GB`,
	}, "royal-mail")
	tr := &fakeTracker{}
	svc := New(tr, reg)

	payload := emailPayload(t, "Newsletter", "Nothing to track here.")
	require.NoError(t, svc.Handle(context.Background(), nil, payload))
	require.Empty(t, tr.added)
	require.Empty(t, tr.refreshed)
}

func TestHandle_DuplicateIsNotAnError(t *testing.T) {
	reg := newFakeRegistry(t, map[string]string{
		"royal-mail": `[A-Z]{2}[0-9]{9}GB`,
	}, "royal-mail")
	tr := &fakeTracker{addErr: tracker.ErrDuplicateParcel}
	svc := New(tr, reg)

	payload := emailPayload(t, "Shipped", "Item RR123456789GB shipped.")
	require.NoError(t, svc.Handle(context.Background(), nil, payload))
	require.Empty(t, tr.refreshed)
}

func TestHandle_MalformedMessageDropped(t *testing.T) {
	reg := newFakeRegistry(t, map[string]string{
		"royal-mail": `[A-Z]{2}[0-9]{9}GB`,
	}, "royal-mail")
	tr := &fakeTracker{}
	svc := New(tr, reg)

	require.NoError(t, svc.Handle(context.Background(), nil, []byte("{not json")))
	require.Empty(t, tr.added)
}
