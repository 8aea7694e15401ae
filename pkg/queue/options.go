package queue

// Options holds queue configuration.
type Options struct {
	// EventBuffer is the channel capacity handed to each Events subscriber.
	EventBuffer int
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		EventBuffer: DefaultEventBuffer,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// EventBuffer sets the per-subscriber event channel capacity.
// Non-positive values keep the default.
func EventBuffer(n int) Option {
	return optionFunc(func(o *Options) {
		if n > 0 {
			o.EventBuffer = n
		}
	})
}

// DefaultEventBuffer is the default per-subscriber event channel capacity.
var DefaultEventBuffer = 100
