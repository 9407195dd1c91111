package workstation

import "time"

// backoffDelay is min(base * 2^attempt, ceiling).
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for range attempt {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}
