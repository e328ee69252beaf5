package plan

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Registry holds the active catalog. Readers never lock; a reload validates
// the new catalog fully before swapping it in.
type Registry struct {
	path    string
	log     *zap.Logger
	current atomic.Pointer[Catalog]

	mu sync.Mutex
	v  *viper.Viper
}

// NewRegistry loads the catalog at path and fails if it is invalid.
func NewRegistry(path string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{path: strings.TrimSpace(path), log: log.Named("plan.registry")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetPlan returns a copy of the plan or ErrPlanNotFound.
func (r *Registry) GetPlan(planID string) (Plan, error) {
	catalog := r.current.Load()
	if catalog == nil {
		return Plan{}, ErrCatalogNotLoaded
	}
	p, ok := catalog.Plans[strings.TrimSpace(planID)]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p.clone(), nil
}

func (r *Registry) Version() string {
	if catalog := r.current.Load(); catalog != nil {
		return catalog.Version
	}
	return ""
}

func (r *Registry) PlanIDs() []string {
	catalog := r.current.Load()
	if catalog == nil {
		return nil
	}
	ids := make([]string, 0, len(catalog.Plans))
	for id := range catalog.Plans {
		ids = append(ids, id)
	}
	return ids
}

// Reload re-reads the source. On error the previous catalog stays active.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := newViper(r.path)
	if err != nil {
		r.log.Error("plan catalog load failed", zap.String("path", r.path), zap.Error(err))
		return err
	}
	catalog, err := decodeCatalog(v)
	if err != nil {
		r.log.Error("plan catalog invalid", zap.String("path", r.path), zap.Error(err))
		return err
	}
	r.v = v
	r.current.Store(&catalog)
	r.log.Info("plan catalog loaded",
		zap.String("version", catalog.Version),
		zap.Int("plans", len(catalog.Plans)),
	)
	return nil
}

// Watch reloads on file changes. It is a no-op for the built-in catalog.
func (r *Registry) Watch() {
	r.mu.Lock()
	v := r.v
	r.mu.Unlock()
	if r.path == "" || v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		catalog, err := decodeCatalog(v)
		if err != nil {
			r.log.Warn("invalid plan catalog ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		r.current.Store(&catalog)
		r.log.Info("plan catalog reloaded", zap.String("file", e.Name), zap.String("version", catalog.Version))
	})
	v.WatchConfig()
}
