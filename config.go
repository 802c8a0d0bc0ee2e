package skylink

import (
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the engine's tuning surface. Zero values are filled in from
// DefaultConfig by Validate.
type Config struct {
	DeviceID        uint8
	ProtocolVersion uint8

	MaxPayload    int
	QueueCapacity int
	MaxRetries    int

	// BackoffScheduleMS is the per-attempt ack timeout in milliseconds.
	// Attempt n uses entry n-1; the last entry repeats for every attempt
	// beyond the schedule. A single entry gives the fixed-timeout
	// behavior.
	BackoffScheduleMS []int

	SFFloor   int
	SFCeiling int
	InitialSF int
	// TxPower in dBm. Zero selects the default (17); the low-power floor
	// of 10 dBm is the lowest deliberate setting.
	TxPower int

	// RSSI thresholds in dBm, always negative. Zero selects the default,
	// so a literal 0 dBm threshold cannot be configured.
	GoodRSSI int
	PoorRSSI int

	// AutoAck makes the engine acknowledge every valid inbound data
	// frame. On for the ground station, off for the airborne unit.
	AutoAck bool

	// AirtimeRate caps transmissions per second to respect regional
	// duty-cycle limits. Zero disables the cap.
	AirtimeRate  float64
	AirtimeBurst int

	TickIntervalMS int
}

func DefaultConfig() Config {
	return Config{
		DeviceID:          1,
		ProtocolVersion:   ProtocolVersion,
		MaxPayload:        DefaultMaxPayload,
		QueueCapacity:     DefaultQueueCapacity,
		MaxRetries:        3,
		BackoffScheduleMS: []int{2000, 5000, 15000},
		SFFloor:           7,
		SFCeiling:         12,
		InitialSF:         9,
		TxPower:           17,
		GoodRSSI:          -80,
		PoorRSSI:          -110,
		AirtimeBurst:      1,
		TickIntervalMS:    50,
	}
}

// LoadConfig decodes a TOML engine configuration.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	data, err := io.ReadAll(r)
	if err != nil {
		return cfg, errors.Wrap(err, "unable to read config")
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, errors.Wrap(err, "unable to load link configuration")
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.MaxPayload <= 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.MaxPayload > DefaultMaxPayload {
		return errors.Errorf("max payload %d exceeds link MTU allowance %d", c.MaxPayload, DefaultMaxPayload)
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if len(c.BackoffScheduleMS) == 0 {
		c.BackoffScheduleMS = def.BackoffScheduleMS
	}
	for _, ms := range c.BackoffScheduleMS {
		if ms < 0 {
			return errors.Errorf("negative backoff entry %d", ms)
		}
	}
	if c.SFFloor == 0 {
		c.SFFloor = def.SFFloor
	}
	if c.SFCeiling == 0 {
		c.SFCeiling = def.SFCeiling
	}
	if c.InitialSF == 0 {
		c.InitialSF = def.InitialSF
	}
	if c.SFFloor < 6 || c.SFCeiling > 12 || c.SFFloor > c.SFCeiling {
		return errors.Errorf("invalid spreading factor bounds [%d, %d]", c.SFFloor, c.SFCeiling)
	}
	if c.InitialSF < c.SFFloor || c.InitialSF > c.SFCeiling {
		return errors.Errorf("initial spreading factor %d outside [%d, %d]", c.InitialSF, c.SFFloor, c.SFCeiling)
	}
	if c.GoodRSSI == 0 {
		c.GoodRSSI = def.GoodRSSI
	}
	if c.PoorRSSI == 0 {
		c.PoorRSSI = def.PoorRSSI
	}
	if c.PoorRSSI >= c.GoodRSSI {
		return errors.Errorf("poor RSSI threshold %d must be below good threshold %d", c.PoorRSSI, c.GoodRSSI)
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = def.ProtocolVersion
	}
	if c.TxPower == 0 {
		c.TxPower = def.TxPower
	}
	if c.AirtimeBurst <= 0 {
		c.AirtimeBurst = def.AirtimeBurst
	}
	if c.TickIntervalMS <= 0 {
		c.TickIntervalMS = def.TickIntervalMS
	}
	return nil
}

func (c *Config) backoff() []time.Duration {
	sched := make([]time.Duration, len(c.BackoffScheduleMS))
	for i, ms := range c.BackoffScheduleMS {
		sched[i] = time.Duration(ms) * time.Millisecond
	}
	return sched
}

func (c *Config) adaptConfig() AdaptConfig {
	return AdaptConfig{
		GoodRSSI:  int8(c.GoodRSSI),
		PoorRSSI:  int8(c.PoorRSSI),
		SFFloor:   c.SFFloor,
		SFCeiling: c.SFCeiling,
		InitialSF: c.InitialSF,
	}
}

func (c *Config) tickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}
