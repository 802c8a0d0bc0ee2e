package forwarder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stratodyne/skylink"
)

// Header precedes every report on the UDP stream.
type Header struct {
	Type uint8
}

const (
	TypeTelemetry = 1
	TypePosition  = 2
)

type UDPConfig struct {
	Server string
	Port   int
}

type report struct {
	telemetry *skylink.TelemetrySample
	position  *skylink.PositionFix
}

// UDPForwarder pushes reports decoded from the radio link to an upstream
// server. Forward never blocks: a full channel drops the report.
type UDPForwarder struct {
	Config *UDPConfig

	conn    net.Conn
	fwdChan chan report
}

func NewUDPForwarder(fileName string) (*UDPForwarder, error) {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to determine binary location")
	}
	file, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return NewUDPForwarderFromReader(file)
}

func NewUDPForwarderFromReader(configReader io.Reader) (*UDPForwarder, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	config := UDPConfig{}
	if _, err := toml.Decode(string(configData), &config); err != nil {
		return nil, errors.Wrapf(err, "unable to load udp forwarder configuration")
	}
	udp := &UDPForwarder{
		Config:  &config,
		fwdChan: make(chan report, 1),
	}
	if err = udp.connect(); err != nil {
		return nil, err
	}
	return udp, nil
}

func (udp *UDPForwarder) Close() error {
	return udp.conn.Close()
}

func (udp *UDPForwarder) Forward(sample *skylink.TelemetrySample) error {
	// copy as we're processing it on another go-routine
	sampleCopy := *sample
	select {
	case udp.fwdChan <- report{telemetry: &sampleCopy}:
	default:
		// if channel is full, skip
	}
	return nil
}

func (udp *UDPForwarder) ForwardPosition(fix *skylink.PositionFix) error {
	fixCopy := *fix
	select {
	case udp.fwdChan <- report{position: &fixCopy}:
	default:
	}
	return nil
}

func (udp *UDPForwarder) Start(ctx context.Context) error {
	limiter := time.Tick(100 * time.Millisecond)
	for {
		<-limiter
		select {
		case r := <-udp.fwdChan:
			if err := udp.forward(r); err != nil {
				log.Error("unable to forward report to server ", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (udp *UDPForwarder) forward(r report) error {
	buf := bytes.NewBuffer([]byte{})
	hdr := Header{}
	var body interface{}
	switch {
	case r.telemetry != nil:
		hdr.Type = TypeTelemetry
		body = r.telemetry
	case r.position != nil:
		hdr.Type = TypePosition
		body = r.position
	default:
		return errors.New("empty report")
	}
	if err := binary.Write(buf, binary.BigEndian, &hdr); err != nil {
		return errors.Wrap(err, "unable to write udp packet header")
	}
	if err := binary.Write(buf, binary.BigEndian, body); err != nil {
		return errors.Wrap(err, "unable to write report udp packet")
	}
	return binary.Write(udp.conn, binary.BigEndian, buf.Bytes())
}

func (udp *UDPForwarder) connect() error {
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d",
		udp.Config.Server,
		udp.Config.Port))
	if err != nil {
		return err
	}
	udp.conn = conn
	return nil
}
