package call

import (
	"time"

	"github.com/dkeye/Telecall/internal/domain"
)

// Options are read on every use, so SetOptions applies to the next ring.
type Options struct {
	IncomingTimeout time.Duration         `mapstructure:"incoming_timeout" validate:"gt=0"`
	OutgoingTimeout time.Duration         `mapstructure:"outgoing_timeout" validate:"gt=0"`
	Policy          domain.ConflictPolicy `mapstructure:"conflict_policy"`
	QueueLimit      int                   `mapstructure:"queue_limit" validate:"gte=0"`
}

func DefaultOptions() Options {
	return Options{
		IncomingTimeout: 30 * time.Second,
		OutgoingTimeout: 60 * time.Second,
		Policy:          domain.PolicyReject,
		QueueLimit:      4,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.IncomingTimeout <= 0 {
		o.IncomingTimeout = d.IncomingTimeout
	}
	if o.OutgoingTimeout <= 0 {
		o.OutgoingTimeout = d.OutgoingTimeout
	}
	if o.Policy == "" {
		o.Policy = d.Policy
	}
	if o.QueueLimit < 0 {
		o.QueueLimit = 0
	}
	return o
}
