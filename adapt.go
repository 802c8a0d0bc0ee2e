package skylink

import (
	log "github.com/sirupsen/logrus"
)

const (
	signalHistorySize = 10

	// signalSentinel is returned by the rolling averages before any
	// sample has been recorded.
	signalSentinel = int8(-128)
)

// AdaptConfig bounds the spreading-factor recommendation.
type AdaptConfig struct {
	// GoodRSSI: above this the link is considered good and the spreading
	// factor steps down (faster, shorter range).
	GoodRSSI int8
	// PoorRSSI: below this the spreading factor steps up (slower, more
	// robust).
	PoorRSSI  int8
	SFFloor   int
	SFCeiling int
	InitialSF int
}

type signalRing struct {
	samples [signalHistorySize]int8
	next    int
	count   int
}

func (r *signalRing) add(v int8) {
	r.samples[r.next] = v
	r.next = (r.next + 1) % signalHistorySize
	if r.count < signalHistorySize {
		r.count++
	}
}

func (r *signalRing) average() int8 {
	if r.count == 0 {
		return signalSentinel
	}
	sum := 0
	for i := 0; i < r.count; i++ {
		sum += int(r.samples[i])
	}
	return int8(sum / r.count)
}

// Adapter keeps rolling signal-quality statistics and recommends the
// spreading factor for future transmissions. It only recommends; the Link
// applies the setting to the transport before the next send, never to the
// frame already in flight.
type Adapter struct {
	cfg  AdaptConfig
	sf   int
	rssi signalRing
	snr  signalRing
}

func NewAdapter(cfg AdaptConfig) *Adapter {
	if cfg.SFFloor == 0 {
		cfg.SFFloor = 7
	}
	if cfg.SFCeiling == 0 {
		cfg.SFCeiling = 12
	}
	if cfg.InitialSF == 0 {
		cfg.InitialSF = 9
	}
	if cfg.GoodRSSI == 0 {
		cfg.GoodRSSI = -80
	}
	if cfg.PoorRSSI == 0 {
		cfg.PoorRSSI = -110
	}
	return &Adapter{cfg: cfg, sf: cfg.InitialSF}
}

// RecordSample appends one RSSI/SNR reading, overwriting the oldest.
func (a *Adapter) RecordSample(rssi, snr int8) {
	a.rssi.add(rssi)
	a.snr.add(snr)
}

func (a *Adapter) AverageRSSI() int8 { return a.rssi.average() }
func (a *Adapter) AverageSNR() int8  { return a.snr.average() }

// SpreadingFactor is the current recommendation.
func (a *Adapter) SpreadingFactor() int { return a.sf }

// Adapt moves the spreading factor one step toward the observed link
// quality and returns the new recommendation.
func (a *Adapter) Adapt(rssi, snr int8) int {
	switch {
	case rssi > a.cfg.GoodRSSI && a.sf > a.cfg.SFFloor:
		a.sf--
		log.WithField("sf", a.sf).WithField("rssi", rssi).WithField("snr", snr).
			Debug("good link, lowering spreading factor")
	case rssi < a.cfg.PoorRSSI && a.sf < a.cfg.SFCeiling:
		a.sf++
		log.WithField("sf", a.sf).WithField("rssi", rssi).WithField("snr", snr).
			Debug("poor link, raising spreading factor")
	}
	return a.sf
}

// StepUp forces one robustness step, honoring the ceiling. Used when the
// far end asks the sender to slow down.
func (a *Adapter) StepUp() int {
	if a.sf < a.cfg.SFCeiling {
		a.sf++
	}
	return a.sf
}

// StepDown forces one speed step, honoring the floor.
func (a *Adapter) StepDown() int {
	if a.sf > a.cfg.SFFloor {
		a.sf--
	}
	return a.sf
}
