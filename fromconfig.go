package rawrcache

import (
	"fmt"

	"github.com/Keksclan/rawrcache/cache"
	rawrconfig "github.com/Keksclan/rawrcache/config"
)

// NewServiceFromConfig creates a Service with the servers and factories
// described by cfg. opts are applied after the configured ones.
func NewServiceFromConfig(cfg *rawrconfig.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var all []Option
	for _, srv := range cfg.ServerList() {
		all = append(all, WithServer(srv))
	}

	// Factory loggers follow the service logger.
	applied := config{}
	for _, o := range opts {
		o(&applied)
	}

	for _, fc := range cfg.Factories {
		fopts := fc.Options()
		if applied.logger != nil {
			fopts = append(fopts, cache.WithLogger(applied.logger))
		}
		f, err := buildFactory(fc, fopts)
		if err != nil {
			return nil, err
		}
		all = append(all, WithFactory(fc.Name, f))
	}
	return NewService(append(all, opts...)...)
}

func buildFactory(fc rawrconfig.FactoryConfig, opts []cache.FactoryOption) (cache.Factory, error) {
	switch fc.Type {
	case rawrconfig.TypeRedis:
		return cache.NewRedisFactory(fc.ServerName, opts...), nil
	case rawrconfig.TypeLocal:
		return cache.NewLocalFactory(opts...), nil
	case rawrconfig.TypeTiered:
		upper := cache.NewLocalFactory(opts...)
		lower := cache.NewRedisFactory(fc.ServerName, opts...)
		return cache.NewTieredFactory(upper, lower, opts...), nil
	}
	return nil, &rawrconfig.Error{Field: "type", Message: fmt.Sprintf("unknown type %q", fc.Type)}
}
