package settings

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"consignment-ledger/pkg/config"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var Module = fx.Module("settings",
	fx.Provide(
		New,
		func(s *Store) Provider { return s },
	),
	fx.Invoke(registerReload),
)

// Provider hands out the current snapshot.
type Provider interface {
	Current() Settings
}

// Source yields raw key/value pairs. Later sources override earlier ones.
type Source interface {
	Name() string
	Load(ctx context.Context) (map[string]string, error)
}

type Store struct {
	sources []Source
	current atomic.Value
	group   singleflight.Group
}

func NewStore(sources ...Source) *Store {
	s := &Store{sources: sources}
	s.current.Store(Default())
	return s
}

type Params struct {
	fx.In
	Viper *viper.Viper
	DB    *gorm.DB `optional:"true"`
}

func New(p Params) (*Store, error) {
	sources := []Source{NewViperSource(p.Viper)}
	if p.DB != nil {
		sources = append(sources, NewDBSource(p.DB))
	}

	s := NewStore(sources...)
	if _, err := s.Reload(context.Background()); err != nil {
		// system_configs may not be migrated yet; defaults hold until the
		// next successful reload.
		zap.L().Warn("initial settings load failed, using defaults", zap.Error(err))
	}
	return s, nil
}

func (s *Store) Current() Settings {
	return s.current.Load().(Settings)
}

// Reload merges every source and publishes the result. Concurrent callers
// share one load.
func (s *Store) Reload(ctx context.Context) (Settings, error) {
	v, err, _ := s.group.Do("reload", func() (any, error) {
		merged := map[string]string{}
		for _, src := range s.sources {
			values, err := src.Load(ctx)
			if err != nil {
				zap.L().Error("failed to load settings source", zap.String("source", src.Name()), zap.Error(err))
				return nil, err
			}
			maps.Copy(merged, values)
		}

		next, problems := Parse(merged)
		for _, p := range problems {
			zap.L().Warn("invalid setting ignored, default kept", zap.Error(p))
		}

		s.current.Store(next)
		return next, nil
	})
	if err != nil {
		return s.Current(), err
	}
	return v.(Settings), nil
}

type reloadParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Store     *Store
	Viper     *viper.Viper
	Config    *config.Config
}

func registerReload(p reloadParams) {
	ctx, cancel := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if p.Viper.ConfigFileUsed() != "" {
				p.Viper.OnConfigChange(func(e fsnotify.Event) {
					zap.L().Info("config file changed, reloading settings", zap.String("file", e.Name))
					_, _ = p.Store.Reload(ctx)
				})
				p.Viper.WatchConfig()
			}

			interval := p.Config.SettingsRefresh
			if interval <= 0 {
				interval = time.Minute
			}
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						_, _ = p.Store.Reload(ctx)
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// Static is a fixed Provider.
type Static Settings

func (s Static) Current() Settings {
	return Settings(s)
}
