// Package tracker — движок обновления и сверки: берёт свежий результат у
// адаптера перевозчика и вливает его в сохранённое состояние посылки без
// дублей. Фоновых планировщиков здесь нет, вызовы приходят снаружи
// (API, воркер, почтовый шлюз).
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ParcelBox/internal/broker/messages"
	"github.com/BearBump/ParcelBox/internal/cache"
	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/models"
	"github.com/BearBump/ParcelBox/internal/storage/pgparcel"
	"github.com/pkg/errors"
)

var (
	ErrCarrierUndetectable = errors.New("could not detect carrier for tracking number")
	ErrUnknownCarrier      = errors.New("carrier is not registered")

	// ErrDuplicateParcel — пара (tracking number, carrier) уже отслеживается.
	ErrDuplicateParcel = pgparcel.ErrDuplicateParcel
)

type Repository interface {
	EnsureCarriers(ctx context.Context, cs []models.Carrier) error
	CarrierExists(ctx context.Context, id string) (bool, error)
	CreateParcel(ctx context.Context, in models.ParcelCreateInput) (*models.Parcel, error)
	GetParcelByID(ctx context.Context, id uint64) (*models.Parcel, error)
	ListParcels(ctx context.Context, activeOnly bool) ([]*models.Parcel, error)
	ListEvents(ctx context.Context, parcelID uint64, limit, offset int) ([]*models.TrackingEvent, error)
	ApplyParcelUpdate(ctx context.Context, upd pgparcel.ParcelUpdate) error
	DeleteParcel(ctx context.Context, id uint64) (bool, error)
}

type Registry interface {
	Get(id string) (carriers.Carrier, bool)
	Detect(trackingNumber string) []carriers.Carrier
	List() []carriers.Config
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Service struct {
	repo     Repository
	registry Registry

	cache      cache.BytesCache
	currentTTL time.Duration

	producer Producer
	topic    string

	rl                 RateLimiter
	rateLimitPerMinute int64

	concurrency  int
	fetchTimeout time.Duration

	// Сверки одной посылки сериализуем: два конкурентных refresh не должны
	// перемешивать проверку дублей и вставку событий.
	locksMu sync.Mutex
	locks   map[uint64]*sync.Mutex
}

func New(repo Repository, registry Registry) *Service {
	return &Service{
		repo:         repo,
		registry:     registry,
		concurrency:  10,
		fetchTimeout: 45 * time.Second,
		locks:        map[uint64]*sync.Mutex{},
	}
}

func (s *Service) WithCache(c cache.BytesCache, ttl time.Duration) *Service {
	s.cache = c
	s.currentTTL = ttl
	return s
}

func (s *Service) WithProducer(p Producer, topic string) *Service {
	s.producer = p
	s.topic = topic
	return s
}

func (s *Service) WithRateLimiter(rl RateLimiter, perMinute int64) *Service {
	s.rl = rl
	s.rateLimitPerMinute = perMinute
	return s
}

func (s *Service) WithSettings(concurrency int, fetchTimeout time.Duration) *Service {
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	if fetchTimeout > 0 {
		s.fetchTimeout = fetchTimeout
	}
	return s
}

// EnsureCarriers синхронизирует загруженные конфиги перевозчиков с БД.
func (s *Service) EnsureCarriers(ctx context.Context) error {
	cfgs := s.registry.List()
	cs := make([]models.Carrier, 0, len(cfgs))
	for _, cfg := range cfgs {
		cs = append(cs, models.Carrier{
			ID:      cfg.ID,
			Name:    cfg.Name,
			Website: cfg.Website,
			Enabled: cfg.Enabled,
		})
	}
	return s.repo.EnsureCarriers(ctx, cs)
}

func (s *Service) DetectCarrier(trackingNumber string) []carriers.Carrier {
	return s.registry.Detect(trackingNumber)
}

func (s *Service) ListCarriers() []carriers.Config {
	return s.registry.List()
}

func (s *Service) TrackingURL(carrierID, trackingNumber string) (string, error) {
	adapter, ok := s.registry.Get(carrierID)
	if !ok {
		return "", ErrUnknownCarrier
	}
	return adapter.TrackingURL(trackingNumber), nil
}

// AddParcel регистрирует посылку. Без carrierID перевозчик определяется по
// формату номера; ноль кандидатов — ошибка, из нескольких берём первого.
// Начальный refresh — забота вызывающего.
func (s *Service) AddParcel(ctx context.Context, trackingNumber, carrierID string, description, sender *string) (*models.Parcel, error) {
	tn := strings.ToUpper(strings.TrimSpace(trackingNumber))
	if tn == "" {
		return nil, errors.New("trackingNumber is required")
	}

	if carrierID == "" {
		matches := s.registry.Detect(tn)
		if len(matches) == 0 {
			return nil, ErrCarrierUndetectable
		}
		carrierID = matches[0].Config().ID
		if len(matches) > 1 {
			slog.Info("ambiguous tracking number, picked first candidate",
				"tracking_number", tn, "candidates", len(matches), "carrier", carrierID)
		}
	}

	ok, err := s.repo.CarrierExists(ctx, carrierID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownCarrier
	}

	return s.repo.CreateParcel(ctx, models.ParcelCreateInput{
		TrackingNumber: tn,
		CarrierID:      carrierID,
		Description:    description,
		Sender:         sender,
	})
}

// RefreshParcel тянет свежий статус и вливает его в сохранённое состояние.
// Неуспешный fetch возвращается как есть и ничего не трогает в БД.
func (s *Service) RefreshParcel(ctx context.Context, p *models.Parcel) carriers.TrackingResult {
	adapter, ok := s.registry.Get(p.CarrierID)
	if !ok {
		// Не ошибка перевозчика, а дыра в данных: посылка ссылается на
		// незарегистрированного перевозчика.
		return carriers.Failf("carrier %q is not registered: data integrity problem, not a fetch error", p.CarrierID)
	}

	mu := s.parcelLock(p.ID)
	mu.Lock()
	defer mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	res := adapter.FetchStatus(fetchCtx, p.TrackingNumber)
	if !res.Success {
		return res
	}

	now := time.Now().UTC()
	upd := pgparcel.ParcelUpdate{
		ParcelID:         p.ID,
		Status:           res.Status,
		StatusText:       res.StatusText,
		ExpectedDelivery: res.ExpectedDelivery,
		CheckedAt:        now,
	}
	for _, e := range res.Events {
		// Событие нормализуем по его собственному тексту: список событий
		// может покрывать несколько стадий жизненного цикла.
		upd.Events = append(upd.Events, &models.TrackingEvent{
			ParcelID:   p.ID,
			Status:     adapter.NormaliseStatus(e.StatusText),
			StatusText: e.StatusText,
			Location:   e.Location,
			EventTime:  e.Time,
		})
	}

	if err := s.repo.ApplyParcelUpdate(ctx, upd); err != nil {
		slog.Error("apply parcel update", "parcel_id", p.ID, "error", err.Error())
		return carriers.Failf("persist refresh result: %v", err)
	}

	p.Status = res.Status
	p.LastStatusText = res.StatusText
	p.ExpectedDelivery = res.ExpectedDelivery
	p.LastChecked = &now
	if res.Status == models.StatusDelivered {
		p.IsActive = false
	}

	s.cacheParcel(ctx, p)
	s.publishUpdated(ctx, p, res.StatusText, upd.Events)

	return res
}

// RefreshParcelByID — вариант для API: сначала достаём посылку.
func (s *Service) RefreshParcelByID(ctx context.Context, id uint64) (carriers.TrackingResult, error) {
	p, err := s.repo.GetParcelByID(ctx, id)
	if err != nil {
		return carriers.TrackingResult{}, err
	}
	if p == nil {
		return carriers.TrackingResult{}, errors.Errorf("parcel %d not found", id)
	}
	return s.RefreshParcel(ctx, p), nil
}

// RefreshAllActive обновляет все активные посылки с ограниченной
// конкурентностью. Падение одной посылки не мешает остальным; в ответе
// результат (успех или ошибка) каждой обработанной посылки.
func (s *Service) RefreshAllActive(ctx context.Context) (map[uint64]carriers.TrackingResult, error) {
	parcels, err := s.repo.ListParcels(ctx, true)
	if err != nil {
		return nil, err
	}

	results := make(map[uint64]carriers.TrackingResult, len(parcels))
	var resMu sync.Mutex

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, p := range parcels {
		sem <- struct{}{}
		wg.Add(1)
		go func(p *models.Parcel) {
			defer func() {
				<-sem
				wg.Done()
			}()
			s.throttle(ctx, p.CarrierID)
			res := s.RefreshParcel(ctx, p)
			resMu.Lock()
			results[p.ID] = res
			resMu.Unlock()
		}(p)
	}
	wg.Wait()

	return results, nil
}

func (s *Service) GetParcel(ctx context.Context, id uint64) (*models.Parcel, error) {
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(id)); err == nil && ok {
			var p models.Parcel
			if json.Unmarshal(b, &p) == nil {
				return &p, nil
			}
		}
	}

	p, err := s.repo.GetParcelByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p != nil {
		s.cacheParcel(ctx, p)
	}
	return p, nil
}

func (s *Service) ListParcels(ctx context.Context, activeOnly bool) ([]*models.Parcel, error) {
	return s.repo.ListParcels(ctx, activeOnly)
}

func (s *Service) ListEvents(ctx context.Context, parcelID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if parcelID == 0 {
		return nil, errors.New("parcelId is required")
	}
	return s.repo.ListEvents(ctx, parcelID, limit, offset)
}

// DeleteParcel удаляет посылку и её события одним блоком.
func (s *Service) DeleteParcel(ctx context.Context, id uint64) (bool, error) {
	deleted, err := s.repo.DeleteParcel(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted && s.cache != nil {
		_ = s.cache.Del(ctx, currentKey(id))
	}
	if deleted {
		s.dropParcelLock(id)
	}
	return deleted, nil
}

func (s *Service) throttle(ctx context.Context, carrierID string) {
	if s.rl == nil || s.rateLimitPerMinute <= 0 {
		return
	}
	minuteKey := fmt.Sprintf("rl:carrier:%s:%s", carrierID, time.Now().UTC().Format("200601021504"))
	allowed, n, err := s.rl.Allow(ctx, minuteKey, s.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		slog.Warn("rate limiter unavailable", "error", err.Error())
		return
	}
	if !allowed {
		// Слишком много запросов к перевозчику в минуту: притормаживаем.
		slog.Warn("rate limit exceeded", "carrier", carrierID, "count", n)
		time.Sleep(500 * time.Millisecond)
	}
}

func (s *Service) cacheParcel(ctx context.Context, p *models.Parcel) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(p.ID), b, s.currentTTL)
}

func (s *Service) publishUpdated(ctx context.Context, p *models.Parcel, statusText string, events []*models.TrackingEvent) {
	if s.producer == nil || s.topic == "" {
		return
	}
	msg := messages.ParcelUpdated{
		ParcelID:       p.ID,
		CarrierID:      p.CarrierID,
		TrackingNumber: p.TrackingNumber,
		CheckedAt:      time.Now().UTC(),
		Status:         string(p.Status),
		StatusText:     statusText,
		IsActive:       p.IsActive,
	}
	for _, e := range events {
		msg.Events = append(msg.Events, messages.ParcelEvent{
			Status:     string(e.Status),
			StatusText: e.StatusText,
			EventTime:  e.EventTime,
			Location:   e.Location,
		})
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(fmt.Sprintf("%d", p.ID)), b); err != nil {
		// Публикация best-effort, сверку из-за неё не валим.
		slog.Warn("publish parcel.updated", "parcel_id", p.ID, "error", err.Error())
	}
}

func (s *Service) parcelLock(id uint64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// dropParcelLock убирает мьютекс удалённой посылки, иначе карта растёт вечно.
// Гонка с параллельным refresh безопасна: тот держит свой экземпляр мьютекса.
func (s *Service) dropParcelLock(id uint64) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.locks, id)
}

func currentKey(id uint64) string {
	return fmt.Sprintf("parcel:%d:current", id)
}
