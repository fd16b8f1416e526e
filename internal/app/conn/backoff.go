package conn

import "time"

// Backoff is an exponential reconnect schedule capped at Max.
// Multiplier 1 gives a fixed delay of Initial.
type Backoff struct {
	Initial    time.Duration `mapstructure:"initial" validate:"gt=0"`
	Max        time.Duration `mapstructure:"max" validate:"gtefield=Initial"`
	Multiplier float64       `mapstructure:"multiplier" validate:"gte=1"`
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// Delay returns the wait before the attempt-th redial, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
