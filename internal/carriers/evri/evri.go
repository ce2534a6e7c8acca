// Package evri трекает посылки Evri (бывш. Hermes). Их страница — SPA с
// клиентским рендерингом, а API закрыт WAF-ом, поэтому единственный надёжный
// путь — headless-браузер. Браузер — опциональная возможность рантайма:
// если Chrome/Chromium в системе нет, fetch возвращает осмысленную ошибку,
// а не валит процесс.
package evri

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/models"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Подменяется в тестах, чтобы проверить путь "браузера нет".
var lookPath = launcher.LookPath

type Adapter struct {
	*carriers.Base
	navTimeout time.Duration
}

func New(cfg carriers.Config) (carriers.Carrier, error) {
	return &Adapter{
		Base:       carriers.NewBase(cfg),
		navTimeout: 30 * time.Second,
	}, nil
}

func (a *Adapter) FetchStatus(ctx context.Context, trackingNumber string) carriers.TrackingResult {
	trackingNumber = strings.ToUpper(strings.TrimSpace(trackingNumber))

	bin, has := lookPath()
	if !has {
		return carriers.Failf("headless browser not available: install Chrome/Chromium to enable evri tracking")
	}

	res, err := a.fetchWithBrowser(ctx, bin, trackingNumber)
	if err != nil {
		return carriers.Failf("evri: %v", err)
	}
	return res
}

// fetchWithBrowser поднимает браузер на один запрос и гарантированно гасит
// его независимо от исхода.
func (a *Adapter) fetchWithBrowser(ctx context.Context, bin, trackingNumber string) (carriers.TrackingResult, error) {
	l := launcher.New().Bin(bin).Headless(true)
	controlURL, err := l.Launch()
	if err != nil {
		return carriers.TrackingResult{}, err
	}
	defer l.Cleanup()

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return carriers.TrackingResult{}, err
	}
	defer func() { _ = browser.Close() }()

	page, err := stealth.Page(browser)
	if err != nil {
		return carriers.TrackingResult{}, err
	}
	defer func() { _ = page.Close() }()

	navCtx, cancel := context.WithTimeout(ctx, a.navTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(a.TrackingURL(trackingNumber)); err != nil {
		return carriers.TrackingResult{}, err
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		return carriers.TrackingResult{}, err
	}
	// Контент дорисовывается после load.
	time.Sleep(2 * time.Second)

	return a.extract(navCtx, page), nil
}

func (a *Adapter) extract(ctx context.Context, page *rod.Page) carriers.TrackingResult {
	now := time.Now().UTC()

	statusText := "Unknown"
	if res, err := page.Context(ctx).Eval(`() => {
		const h = document.querySelector("h3");
		return h ? h.innerText.trim() : "";
	}`); err == nil && res.Value.Str() != "" {
		statusText = res.Value.Str()
	}

	description := ""
	if res, err := page.Context(ctx).Eval(`() => {
		const p = document.querySelector("h3 + p");
		return p ? p.innerText.trim() : "";
	}`); err == nil {
		description = res.Value.Str()
	}

	var events []carriers.Event
	if res, err := page.Context(ctx).Eval(`() => {
		const btns = document.querySelectorAll('button[aria-label*="ticked"]');
		return Array.from(btns).map(b => b.innerText);
	}`); err == nil {
		for _, v := range res.Value.Arr() {
			text := strings.TrimSpace(strings.ReplaceAll(v.Str(), "ticked parcel stage complete", ""))
			if text != "" {
				events = append(events, carriers.Event{StatusText: text, Time: now})
			}
		}
	}

	if !carriers.HasStatusOrEvents(statusText, events) {
		return carriers.Failf("could not extract tracking data from page")
	}

	fullStatus := statusText
	if description != "" {
		fullStatus = statusText + ": " + description
	}
	return carriers.TrackingResult{
		Success:    true,
		Status:     a.statusFromStage(statusText),
		StatusText: fullStatus,
		Events:     events,
	}
}

// statusFromStage мапит формулировки стадий Evri ("We've got it", "On its
// way"...) напрямую; всё незнакомое уходит в общий нормалайзер.
func (a *Adapter) statusFromStage(stage string) models.ParcelStatus {
	lower := strings.ToLower(stage)
	switch {
	case strings.Contains(lower, "delivered"):
		return models.StatusDelivered
	case strings.Contains(lower, "out for delivery"):
		return models.StatusOutForDelivery
	case strings.Contains(lower, "on its way"), strings.Contains(lower, "in transit"):
		return models.StatusInTransit
	case strings.Contains(lower, "got it"), strings.Contains(lower, "we have"):
		return models.StatusReceived
	case strings.Contains(lower, "expecting"):
		return models.StatusPending
	default:
		return a.NormaliseStatus(stage)
	}
}

var emailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`H[0-9]{15}`),
	regexp.MustCompile(`[A-Z0-9]{16}`),
}

// ParseEmail принимает письма с упоминанием Evri или Hermes.
func (a *Adapter) ParseEmail(body, subject string) (string, bool) {
	combined := strings.ToLower(subject + " " + body)
	if !strings.Contains(combined, "evri") && !strings.Contains(combined, "hermes") {
		return "", false
	}
	upper := strings.ToUpper(body)
	for _, p := range emailPatterns {
		if m := p.FindString(upper); m != "" {
			return m, true
		}
	}
	return "", false
}
