package carriers

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Constructor строит адаптер по конфигу. Таблица конструкторов заполняется
// на старте процесса (новый перевозчик = yaml + конструктор в таблице),
// никакой загрузки кода в рантайме.
type Constructor func(cfg Config) (Carrier, error)

// Registry загружает описания перевозчиков из каталога и держит по одному
// адаптеру на включённого перевозчика. Создаётся явно в точке входа и
// передаётся дальше, без глобального синглтона.
type Registry struct {
	dir          string
	constructors map[string]Constructor

	mu          sync.Mutex
	loaded      bool
	configOrder []string
	configs     map[string]Config
	adapterIDs  []string // включённые перевозчики с адаптерами, в порядке загрузки
	adapters    map[string]Carrier
}

func NewRegistry(dir string, constructors map[string]Constructor) *Registry {
	return &Registry{
		dir:          dir,
		constructors: constructors,
		configs:      map[string]Config{},
		adapters:     map[string]Carrier{},
	}
}

// LoadAll идемпотентна: повторный вызов после успешного первого — no-op.
// Ошибки отдельных перевозчиков логируются и не валят загрузку остальных.
func (r *Registry) LoadAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return errors.Wrap(err, "read carriers dir")
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		r.loadOne(filepath.Join(r.dir, e.Name()))
	}

	r.loaded = true
	return nil
}

func (r *Registry) loadOne(path string) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		slog.Warn("skipping carrier config", "path", path, "error", err.Error())
		return
	}
	if _, dup := r.configs[cfg.ID]; dup {
		slog.Warn("duplicate carrier id, keeping first", "carrier", cfg.ID, "path", path)
		return
	}

	r.configs[cfg.ID] = cfg
	r.configOrder = append(r.configOrder, cfg.ID)

	if !cfg.Enabled {
		slog.Info("carrier disabled, adapter not built", "carrier", cfg.ID)
		return
	}

	ctor, ok := r.constructors[cfg.ID]
	if !ok {
		slog.Warn("no adapter constructor for carrier", "carrier", cfg.ID)
		return
	}
	adapter, err := ctor(cfg)
	if err != nil {
		slog.Warn("carrier adapter construction failed", "carrier", cfg.ID, "error", err.Error())
		return
	}

	r.adapters[cfg.ID] = adapter
	r.adapterIDs = append(r.adapterIDs, cfg.ID)
	slog.Info("loaded carrier", "carrier", cfg.ID, "name", cfg.Name)
}

func (r *Registry) Get(id string) (Carrier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.adapters[id]
	return c, ok
}

func (r *Registry) ConfigFor(id string) (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// Detect возвращает все адаптеры, чьи паттерны принимают номер, в порядке
// загрузки. Неоднозначные форматы легитимно матчат несколько перевозчиков;
// выбор из кандидатов — забота вызывающего.
func (r *Registry) Detect(trackingNumber string) []Carrier {
	r.mu.Lock()
	defer r.mu.Unlock()

	trackingNumber = strings.TrimSpace(trackingNumber)
	var matches []Carrier
	for _, id := range r.adapterIDs {
		if a := r.adapters[id]; a.MatchesTrackingNumber(trackingNumber) {
			matches = append(matches, a)
		}
	}
	return matches
}

func (r *Registry) List() []Config {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Config, 0, len(r.configOrder))
	for _, id := range r.configOrder {
		out = append(out, r.configs[id])
	}
	return out
}
