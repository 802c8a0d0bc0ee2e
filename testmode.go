package skylink

import (
	"context"
	"time"
)

// Simulated sensor producers for bench testing without flight hardware.
func (u *Unit) runTestMode(ctx context.Context) {
	go func() {
		t := TelemetrySample{
			Temperature:    21.0,
			Pressure:       1013.2,
			Humidity:       40,
			BatteryVolts:   4.1,
			BatteryPercent: 100,
		}
		falling := true
		for {
			select {
			case <-time.Tick(time.Second * 5):
			case <-ctx.Done():
				return
			}
			select {
			case u.telemetryChan <- t:
			default:
			}

			t.Uptime += 5
			if falling {
				t.Temperature -= 0.5
				t.Pressure -= 2
			} else {
				t.Temperature += 0.5
				t.Pressure += 2
			}
			if t.Temperature <= -40 {
				falling = false
			} else if t.Temperature >= 21 {
				falling = true
			}
		}
	}()

	go func() {
		p := PositionFix{
			Latitude:   51.05,
			Longitude:  -114.07,
			Altitude:   1100,
			Satellites: 9,
			Quality:    1,
		}
		descending := false
		for {
			select {
			case <-time.Tick(time.Second * 10):
			case <-ctx.Done():
				return
			}
			select {
			case u.positionChan <- p:
			default:
			}

			if descending {
				p.Altitude -= 150
			} else {
				p.Altitude += 150
			}
			if p.Altitude >= 30000 {
				descending = true
			} else if p.Altitude <= 1100 {
				descending = false
			}
			p.Latitude += 0.001
			p.FixTime += 10
		}
	}()

	go func() {
		for {
			select {
			case <-time.Tick(time.Minute):
			case <-ctx.Done():
				return
			}
			select {
			case u.statusChan <- StatusReport{Text: "nominal"}:
			default:
			}
		}
	}()
}
