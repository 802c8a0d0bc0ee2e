package skylink

import (
	"context"

	log "github.com/sirupsen/logrus"
)

const channelBufferSize = 1

// Unit is the airborne side's glue between sensor producers and the radio
// link. Producers push already-validated payload structs onto the channels;
// CheckChannels frames and enqueues them at their priority. Producers never
// block: sends into a full channel are dropped at the producer.
type Unit struct {
	link *Link

	telemetryChan chan TelemetrySample
	positionChan  chan PositionFix
	cameraChan    chan CameraInfo
	statusChan    chan StatusReport
	alertChan     chan EmergencyAlert

	testMode bool
}

func NewUnit(link *Link) *Unit {
	return &Unit{
		link:          link,
		telemetryChan: make(chan TelemetrySample, channelBufferSize),
		positionChan:  make(chan PositionFix, channelBufferSize),
		cameraChan:    make(chan CameraInfo, channelBufferSize),
		statusChan:    make(chan StatusReport, channelBufferSize),
		alertChan:     make(chan EmergencyAlert, channelBufferSize),
	}
}

// Link returns the radio link the unit feeds.
func (u *Unit) Link() *Link { return u.link }

func (u *Unit) TelemetryIn() chan<- TelemetrySample { return u.telemetryChan }
func (u *Unit) PositionIn() chan<- PositionFix      { return u.positionChan }
func (u *Unit) CameraIn() chan<- CameraInfo         { return u.cameraChan }
func (u *Unit) StatusIn() chan<- StatusReport       { return u.statusChan }
func (u *Unit) AlertIn() chan<- EmergencyAlert      { return u.alertChan }

// SetTestMode enables the simulated sensor producers started by Start.
func (u *Unit) SetTestMode(enable bool) {
	u.testMode = enable
}

// Start launches background producers when test mode is on. Real sensor
// collaborators push onto the In channels themselves.
func (u *Unit) Start(ctx context.Context) {
	if u.testMode {
		u.runTestMode(ctx)
	}
}

// CheckChannels consumes one pending sensor report and enqueues it on the
// link. It blocks until a report arrives or the context is canceled, and
// reports whether a frame was enqueued.
func (u *Unit) CheckChannels(ctx context.Context) bool {
	var err error
	select {
	case <-ctx.Done():
		return false
	case t := <-u.telemetryChan:
		u.link.SetBatteryLevel(uint16(t.BatteryVolts * 100))
		err = u.link.SendTelemetry(&t)
	case p := <-u.positionChan:
		err = u.link.SendPosition(&p)
	case c := <-u.cameraChan:
		err = u.link.SendCameraInfo(&c)
	case s := <-u.statusChan:
		err = u.link.SendStatus(s.Text)
	case a := <-u.alertChan:
		err = u.link.SendEmergency(&a)
	}
	if err != nil {
		log.WithField("err", err).Warn("unable to enqueue sensor report")
		return false
	}
	return true
}

// Run drains the sensor channels until the context is canceled.
func (u *Unit) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		u.CheckChannels(ctx)
	}
}
