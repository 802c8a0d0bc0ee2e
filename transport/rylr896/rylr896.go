// Package rylr896 drives a Reyax RYLR896 LoRa modem over its UART
// AT-command interface and exposes it as a skylink transport. Frame bytes
// are hex-encoded on the wire because the modem's +SEND/+RCV payloads are
// line-oriented ASCII.
package rylr896

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/stratodyne/skylink"
)

const (
	commandTimeout = 10 * time.Second
	recvBufferSize = 16

	// Bandwidth125KHz is the coded AT+PARAMETER value for 125 kHz.
	Bandwidth125KHz = 7
)

type Config struct {
	Port        string
	BaudRate    int
	Address     uint16
	Destination uint16
	NetworkID   uint8
	Band        uint32 // center frequency in Hz

	SpreadingFactor int
	Bandwidth       int // coded value, see Bandwidth125KHz
	CodingRate      int
	Preamble        int
	TxPower         int // dBm, 0-15
}

type received struct {
	data []byte
	sig  skylink.SignalInfo
}

// Modem is a connected RYLR896. Safe for use by a single tick loop; the
// command path is serialized by a mutex for the rare out-of-loop caller.
type Modem struct {
	cfg  Config
	port serial.Port

	mu        sync.Mutex
	responses chan string
	recv      chan received
	readErr   chan error
	dead      chan struct{}
}

// Open connects to the modem and applies the radio configuration.
func Open(cfg Config) (*Modem, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.SpreadingFactor == 0 {
		cfg.SpreadingFactor = 9
	}
	if cfg.Bandwidth == 0 {
		cfg.Bandwidth = Bandwidth125KHz
	}
	if cfg.CodingRate == 0 {
		cfg.CodingRate = 1
	}
	if cfg.Preamble == 0 {
		cfg.Preamble = 4
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open serial port %s", cfg.Port)
	}

	m := &Modem{
		cfg:       cfg,
		port:      port,
		responses: make(chan string, 1),
		recv:      make(chan received, recvBufferSize),
		readErr:   make(chan error, 1),
		dead:      make(chan struct{}),
	}
	go m.readLoop()

	if err := m.configure(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return m, nil
}

func (m *Modem) configure() error {
	cmds := []string{
		fmt.Sprintf("AT+ADDRESS=%d", m.cfg.Address),
		fmt.Sprintf("AT+NETWORKID=%d", m.cfg.NetworkID),
		fmt.Sprintf("AT+BAND=%d", m.cfg.Band),
		fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d",
			m.cfg.SpreadingFactor, m.cfg.Bandwidth, m.cfg.CodingRate, m.cfg.Preamble),
		fmt.Sprintf("AT+CRFOP=%d", m.cfg.TxPower),
	}
	for _, cmd := range cmds {
		if err := m.command(cmd); err != nil {
			return errors.Wrapf(err, "configuration command %q failed", cmd)
		}
	}
	return nil
}

func (m *Modem) Close() error {
	return m.port.Close()
}

// Send transmits one encoded frame to the configured destination address.
func (m *Modem) Send(data []byte) error {
	encoded := hex.EncodeToString(data)
	return m.command(fmt.Sprintf("AT+SEND=%d,%d,%s", m.cfg.Destination, len(encoded), encoded))
}

// TryReceive returns the next pending inbound frame, or nil when the modem
// has reported nothing.
func (m *Modem) TryReceive() ([]byte, skylink.SignalInfo, error) {
	select {
	case r := <-m.recv:
		return r.data, r.sig, nil
	case err := <-m.readErr:
		return nil, skylink.SignalInfo{}, err
	default:
		return nil, skylink.SignalInfo{}, nil
	}
}

func (m *Modem) SetSpreadingFactor(sf int) error {
	if sf < 7 || sf > 12 {
		return errors.Errorf("spreading factor %d out of range", sf)
	}
	if err := m.command(fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d",
		sf, m.cfg.Bandwidth, m.cfg.CodingRate, m.cfg.Preamble)); err != nil {
		return err
	}
	m.cfg.SpreadingFactor = sf
	return nil
}

func (m *Modem) SetTxPower(dbm int) error {
	if dbm < 0 || dbm > 15 {
		return errors.Errorf("tx power %d out of range", dbm)
	}
	if err := m.command(fmt.Sprintf("AT+CRFOP=%d", dbm)); err != nil {
		return err
	}
	m.cfg.TxPower = dbm
	return nil
}

// command writes one AT command and waits for its +OK/+ERR line.
func (m *Modem) command(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.port.Write([]byte(cmd + "\r\n")); err != nil {
		return errors.Wrap(err, "unable to write command")
	}
	select {
	case line := <-m.responses:
		if strings.HasPrefix(line, "+OK") {
			return nil
		}
		if code, found := strings.CutPrefix(line, "+ERR="); found {
			return errors.Errorf("modem error %s for %q", code, cmd)
		}
		return errors.Errorf("unexpected response %q for %q", line, cmd)
	case err := <-m.readErr:
		return err
	case <-time.After(commandTimeout):
		return errors.Errorf("timeout waiting for response to %q", cmd)
	}
}

// Dead is closed when the serial read loop exits; the connection is then
// unusable and the modem must be reopened.
func (m *Modem) Dead() <-chan struct{} {
	return m.dead
}

func (m *Modem) readLoop() {
	defer close(m.dead)
	reader := bufio.NewReader(m.port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case m.readErr <- err:
			default:
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if payload, found := strings.CutPrefix(line, "+RCV="); found {
			m.handleReceive(payload)
			continue
		}
		select {
		case m.responses <- line:
		default:
			log.WithField("line", line).Debug("unsolicited modem output dropped")
		}
	}
}

// handleReceive parses "+RCV=<addr>,<len>,<data>,<rssi>,<snr>" where data
// is the hex text a peer modem sent.
func (m *Modem) handleReceive(payload string) {
	fields := strings.SplitN(payload, ",", 3)
	if len(fields) != 3 {
		log.WithField("payload", payload).Debug("short +RCV line")
		return
	}
	length, err := strconv.Atoi(fields[1])
	if err != nil || length < 0 || length > len(fields[2]) {
		log.WithField("payload", payload).Debug("bad +RCV length")
		return
	}
	hexData := fields[2][:length]
	trailer := strings.TrimPrefix(fields[2][length:], ",")
	parts := strings.Split(trailer, ",")
	if len(parts) != 2 {
		log.WithField("payload", payload).Debug("bad +RCV trailer")
		return
	}
	rssi, err1 := strconv.ParseInt(parts[0], 10, 8)
	snr, err2 := strconv.ParseInt(parts[1], 10, 8)
	if err1 != nil || err2 != nil {
		log.WithField("payload", payload).Debug("bad +RCV signal fields")
		return
	}
	data, err := hex.DecodeString(hexData)
	if err != nil {
		log.WithField("payload", payload).Debug("bad +RCV hex payload")
		return
	}
	r := received{
		data: data,
		sig:  skylink.SignalInfo{RSSI: int8(rssi), SNR: int8(snr)},
	}
	select {
	case m.recv <- r:
	default:
		log.Warn("receive buffer full, frame dropped")
	}
}
