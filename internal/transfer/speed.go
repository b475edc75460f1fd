package transfer

import "time"

const sampleInterval = 500 * time.Millisecond

// speedMeter tracks an exponentially smoothed transfer rate in bytes per second.
// A negative speed or eta means no value has been computed yet.
type speedMeter struct {
	now func() time.Time

	lastSample  time.Time
	sampleBytes int64
	speed       int64
	eta         int64
}

func newSpeedMeter(now func() time.Time) *speedMeter {
	return &speedMeter{now: now, speed: -1, eta: -1}
}

// reset starts a fresh sampling window at read bytes. It runs when the body
// starts streaming, so the gap between a pause and a resume never counts as
// transfer time.
func (m *speedMeter) reset(read int64) {
	m.lastSample = m.now()
	m.sampleBytes = read
	m.speed = -1
}

// observe records that read of total bytes are done and updates speed and eta.
func (m *speedMeter) observe(read, total int64) {
	if now := m.now(); now.Sub(m.lastSample) > sampleInterval {
		delta := now.Sub(m.lastSample).Milliseconds()
		cur := (read - m.sampleBytes) * 1000 / delta

		if m.speed == -1 {
			m.speed = cur
		} else {
			m.speed = (m.speed*3 + cur) / 4
		}

		m.lastSample = now
		m.sampleBytes = read
	}

	if m.speed > 0 {
		m.eta = (total - read) / m.speed
	}
}
