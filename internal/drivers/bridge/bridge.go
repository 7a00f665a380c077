// Package bridge drives a heart-rate strap through a USB BLE bridge that
// speaks a line protocol over a serial port.
//
// Commands sent to the bridge:
//
//	CONNECT <address>   scan for and pair with the strap (address may be empty)
//	STREAM ON|OFF       start or stop measurement lines
//	DISCONNECT          drop the BLE link
//
// The bridge answers with status lines prefixed by '#' ("# connected <name>",
// "# battery <pct>", "# error <text>", "# lost") and measurement lines of the
// form "bpm,rr;rr;...,contact[,unix_seconds]" where contact is 1, 0 or empty.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/monitoring"
	"github.com/banshee-data/sessionsync/internal/recorder"
)

var logf = monitoring.Prefixed("bridge")

var (
	ErrBridgeClosed = errors.New("bridge: serial stream closed")
	ErrLinkLost     = errors.New("bridge: sensor link lost")
)

// Mux is the part of serialmux.SerialMux the driver needs.
type Mux interface {
	Subscribe() (string, <-chan string)
	Unsubscribe(id string)
	SendCommand(command string) error
	Monitor(ctx context.Context) error
	Close() error
}

// Sensor implements biosensor.Driver and biosensor.BatteryReporter.
type Sensor struct {
	mux     Mux
	address string
	openErr error

	monitorOnce   sync.Once
	monitorCancel context.CancelFunc

	mu      sync.Mutex
	name    string
	battery int
	hasBatt bool
}

// New returns a sensor bound to mux. address selects a specific strap.
func New(mux Mux, address string) *Sensor {
	return &Sensor{mux: mux, address: address}
}

func (s *Sensor) startMonitor() {
	s.monitorOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.monitorCancel = cancel
		go func() {
			if err := s.mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logf("serial monitor ended: %v", err)
			}
		}()
	})
}

// Name is the strap name reported on connect.
func (s *Sensor) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Sensor) Battery() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery, s.hasBatt
}

// Unopened returns a sensor whose serial port could not be opened. Every
// connect attempt fails with err, so the device is excluded from the
// session instead of aborting it.
func Unopened(err error) *Sensor {
	return &Sensor{openErr: err}
}

// ScanAndConnect asks the bridge to pair and waits for its answer.
func (s *Sensor) ScanAndConnect(ctx context.Context) error {
	if s.openErr != nil {
		return fmt.Errorf("bridge: serial port unavailable: %w", s.openErr)
	}
	s.startMonitor()
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	if err := s.mux.SendCommand(strings.TrimSpace("CONNECT " + s.address)); err != nil {
		return fmt.Errorf("bridge: send connect: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return ErrBridgeClosed
			}
			word, rest, isStatus := parseStatus(line)
			if !isStatus {
				continue
			}
			switch word {
			case "connected":
				s.mu.Lock()
				s.name = rest
				s.mu.Unlock()
				logf("connected to %q", rest)
				return nil
			case "error":
				return fmt.Errorf("bridge: connect: %s", rest)
			case "battery":
				s.noteBattery(rest)
			}
		}
	}
}

// StreamSamples turns measurement lines into readings until ctx is done or
// the link fails.
func (s *Sensor) StreamSamples(ctx context.Context, fn func(recorder.Reading)) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.startMonitor()
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	if err := s.mux.SendCommand("STREAM ON"); err != nil {
		return fmt.Errorf("bridge: start stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			if err := s.mux.SendCommand("STREAM OFF"); err != nil {
				logf("stream off: %v", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return ErrBridgeClosed
			}
			if word, rest, isStatus := parseStatus(line); isStatus {
				switch word {
				case "battery":
					s.noteBattery(rest)
				case "lost":
					return ErrLinkLost
				case "error":
					return fmt.Errorf("bridge: %s", rest)
				}
				continue
			}
			reading, err := ParseReading(line)
			if err != nil {
				logf("skipping line %q: %v", line, err)
				continue
			}
			fn(reading)
		}
	}
}

// Disconnect drops the link and releases the serial port.
func (s *Sensor) Disconnect(ctx context.Context) error {
	if s.openErr != nil {
		return nil
	}
	err := s.mux.SendCommand("DISCONNECT")
	if s.monitorCancel != nil {
		s.monitorCancel()
	}
	if cerr := s.mux.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Sensor) noteBattery(v string) {
	pct, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "%"))
	if err != nil {
		return
	}
	s.mu.Lock()
	s.battery, s.hasBatt = pct, true
	s.mu.Unlock()
}

func parseStatus(line string) (word, rest string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "#") {
		return "", "", false
	}
	word, rest, _ = strings.Cut(strings.TrimSpace(line[1:]), " ")
	return strings.ToLower(word), strings.TrimSpace(rest), true
}

// ParseReading parses one measurement line.
func ParseReading(line string) (recorder.Reading, error) {
	var r recorder.Reading
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 3 || len(fields) > 4 {
		return r, fmt.Errorf("expected 3 or 4 fields, got %d", len(fields))
	}
	bpm, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || bpm < 0 {
		return r, fmt.Errorf("invalid bpm %q", fields[0])
	}
	r.BPM = bpm

	if rr := strings.TrimSpace(fields[1]); rr != "" {
		for _, part := range strings.Split(rr, ";") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil || v <= 0 {
				return r, fmt.Errorf("invalid rr interval %q", part)
			}
			r.RRIntervalsMs = append(r.RRIntervalsMs, v)
		}
	}

	switch strings.TrimSpace(fields[2]) {
	case "":
	case "1":
		c := true
		r.SensorContact = &c
	case "0":
		c := false
		r.SensorContact = &c
	default:
		return r, fmt.Errorf("invalid contact flag %q", fields[2])
	}

	if len(fields) == 4 && strings.TrimSpace(fields[3]) != "" {
		secs, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if err != nil {
			return r, fmt.Errorf("invalid timestamp %q", fields[3])
		}
		ts := time.UnixMicro(int64(secs * 1e6))
		r.Timestamp = &ts
	}
	return r, nil
}
