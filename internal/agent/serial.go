package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the part of a serial port log capture uses.
type Port interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
	Close() error
}

// PortOpener opens a serial port at the given baud rate.
type PortOpener func(path string, baud int) (Port, error)

// OpenSerial opens a real serial port with 8N1 framing.
func OpenSerial(path string, baud int) (Port, error) {
	p, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return p, nil
}

// captureLogs resets the board and records its serial output for the
// configured window. Every non-empty line is appended to logPath and mirrored
// to the sink. It returns the captured text and the number of lines.
func (a *Agent) captureLogs(ctx context.Context, jobID, deviceID, portPath, logPath string) ([]byte, int, error) {
	cfg := a.cfg.Serial
	p, err := a.openPort(portPath, cfg.BaudRate)
	if err != nil {
		return nil, 0, err
	}
	defer p.Close()

	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, 0, fmt.Errorf("set read timeout: %w", err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		return nil, 0, fmt.Errorf("reset input buffer: %w", err)
	}
	if err := a.pulseReset(ctx, p); err != nil {
		return nil, 0, err
	}

	f, err := os.Create(logPath)
	if err != nil {
		return nil, 0, fmt.Errorf("create log file: %w", err)
	}
	defer f.Close()

	var captured bytes.Buffer
	lines := 0
	emit := func(raw []byte) error {
		line := strings.TrimSpace(string(raw))
		if line == "" {
			return nil
		}
		if _, err := fmt.Fprintln(f, line); err != nil {
			return fmt.Errorf("write log file: %w", err)
		}
		captured.WriteString(line)
		captured.WriteByte('\n')
		lines++
		if err := a.sink.WriteLine(ctx, LogLine{
			GatewayID: a.cfg.GatewayID,
			DeviceID:  deviceID,
			JobID:     jobID,
			Timestamp: time.Now().UTC(),
			Line:      line,
		}); err != nil {
			a.logger.Debug("log sink write failed", "job_id", jobID, "error", err)
		}
		return nil
	}

	deadline := time.Now().Add(cfg.CaptureWindow)
	buf := make([]byte, 1024)
	var pending []byte
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return captured.Bytes(), lines, err
		}
		n, err := p.Read(buf)
		if err != nil {
			return captured.Bytes(), lines, fmt.Errorf("serial read: %w", err)
		}
		if n == 0 {
			continue // read timeout
		}
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			if err := emit(pending[:i]); err != nil {
				return captured.Bytes(), lines, err
			}
			pending = pending[i+1:]
		}
	}
	if err := emit(pending); err != nil {
		return captured.Bytes(), lines, err
	}
	return captured.Bytes(), lines, nil
}

// pulseReset drops DTR and RTS, waits, then raises them so the board restarts
// into the new firmware.
func (a *Agent) pulseReset(ctx context.Context, p Port) error {
	if err := p.SetDTR(false); err != nil {
		return fmt.Errorf("set DTR: %w", err)
	}
	if err := p.SetRTS(false); err != nil {
		return fmt.Errorf("set RTS: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.cfg.Serial.ResetPulse):
	}
	if err := p.SetDTR(true); err != nil {
		return fmt.Errorf("set DTR: %w", err)
	}
	if err := p.SetRTS(true); err != nil {
		return fmt.Errorf("set RTS: %w", err)
	}
	return nil
}
