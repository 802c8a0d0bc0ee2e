package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/stratodyne/skylink"
	"github.com/stratodyne/skylink/transport/rylr896"
)

var errNotConnected = errors.New("modem not connected")

// radio presents one stable Transport to the link while the underlying
// serial modem session is reopened by the Retry supervisor.
type radio struct {
	cfg rylr896.Config

	mu    sync.RWMutex
	modem *rylr896.Modem
}

func (r *radio) current() *rylr896.Modem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modem
}

func (r *radio) Send(data []byte) error {
	m := r.current()
	if m == nil {
		return errNotConnected
	}
	return m.Send(data)
}

func (r *radio) TryReceive() ([]byte, skylink.SignalInfo, error) {
	m := r.current()
	if m == nil {
		return nil, skylink.SignalInfo{}, nil
	}
	return m.TryReceive()
}

func (r *radio) SetSpreadingFactor(sf int) error {
	m := r.current()
	if m == nil {
		return errNotConnected
	}
	return m.SetSpreadingFactor(sf)
}

func (r *radio) SetTxPower(dbm int) error {
	m := r.current()
	if m == nil {
		return errNotConnected
	}
	return m.SetTxPower(dbm)
}

// Retryable implementation for the skylink.Retry supervisor.

func (r *radio) Open() error {
	m, err := rylr896.Open(r.cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.modem = m
	r.mu.Unlock()
	return nil
}

func (r *radio) Close() error {
	r.mu.Lock()
	m := r.modem
	r.modem = nil
	r.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}

func (r *radio) Start(ctx context.Context) error {
	m := r.current()
	if m == nil {
		return errNotConnected
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.Dead():
		return errors.New("modem connection lost")
	}
}

func (r *radio) Name() string {
	return "rylr896"
}
