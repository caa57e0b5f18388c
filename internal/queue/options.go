package queue

import "time"

// Lower values are more urgent.
const (
	PriorityUrgent = 1
	PriorityNormal = 5
	PriorityLow    = 10
	MaxPriority    = 1000
)

type Options struct {
	JobID     string
	Priority  int
	Delay     time.Duration
	DedupeKey string
}

type Option func(*Options)

func WithJobID(id string) Option {
	return func(o *Options) { o.JobID = id }
}

func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

func WithDedupeKey(key string) Option {
	return func(o *Options) { o.DedupeKey = key }
}

// BuildOptions applies opts in order, so later options win.
func BuildOptions(opts ...Option) Options {
	o := Options{Priority: PriorityNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Priority < PriorityUrgent {
		o.Priority = PriorityUrgent
	}
	if o.Priority > MaxPriority {
		o.Priority = MaxPriority
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}
