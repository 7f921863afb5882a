package application

import "time"

// ReconnectPolicy computes the delay before a reconnection attempt. With
// MaxDelay <= Delay every attempt waits Delay. Otherwise the delay doubles per
// consecutive failure and is capped at MaxDelay.
type ReconnectPolicy struct {
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultReconnectPolicy is the flat 5s delay.
var DefaultReconnectPolicy = ReconnectPolicy{Delay: 5 * time.Second}

// Next returns the delay for the given number of consecutive failures (1 for
// the first failure).
func (p ReconnectPolicy) Next(failures int) time.Duration {
	if p.Delay <= 0 {
		p.Delay = DefaultReconnectPolicy.Delay
	}
	if p.MaxDelay <= p.Delay || failures <= 1 {
		return p.Delay
	}
	d := p.Delay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}
