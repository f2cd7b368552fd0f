package rawrcache

import "github.com/Keksclan/rawrcache/cache"

// DefaultOptions returns the recommended set of options for production use.
// Currently this makes handlers compute values when the store cannot be
// reached.
func DefaultOptions() []Option {
	return []Option{
		WithHandlerOptions(cache.WithComputeOnError()),
	}
}
