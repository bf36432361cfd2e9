/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/media"
)

const mpvConnectTimeout = 5 * time.Second

// Mpv drives an external mpv process over its JSON IPC socket. Every
// call is bounded by the command timeout and fails soft: the caller gets
// an error and retries on the next tick.
type Mpv struct {
	mu     sync.Mutex
	logger zerolog.Logger

	cmd      *exec.Cmd
	socket   string
	conn     net.Conn
	reader   *bufio.Reader
	nextID   int64
	exited   atomic.Bool
	ended    atomic.Bool
	timeout  time.Duration
	finished int
}

type mpvRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

type mpvResponse struct {
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Event     string          `json:"event"`
	RequestID int64           `json:"request_id"`
}

// NewMpv launches mpv with an IPC socket and connects to it.
func NewMpv(cfg *config.Config, logger zerolog.Logger) (*Mpv, error) {
	socket := filepath.Join(os.TempDir(), fmt.Sprintf("vidar-mpv-%s.sock", uuid.NewString()))
	cmd := exec.Command(cfg.MpvBin,
		"--idle=yes",
		"--no-terminal",
		"--input-ipc-server="+socket,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mpv: start %s: %w", cfg.MpvBin, err)
	}

	m := &Mpv{
		logger:   logger.With().Str("component", "mpv").Logger(),
		cmd:      cmd,
		socket:   socket,
		timeout:  cfg.CommandTimeout,
		finished: cfg.FinishedPercentage,
	}
	go func() {
		_ = cmd.Wait()
		m.exited.Store(true)
	}()

	conn, err := waitForSocket(socket, mpvConnectTimeout)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("mpv: ipc socket: %w", err)
	}
	m.conn = conn
	m.reader = bufio.NewReader(conn)
	m.logger.Info().Str("socket", socket).Msg("mpv started")
	return m, nil
}

func waitForSocket(path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// roundTrip sends one command and reads responses until the matching
// request id arrives, skipping asynchronous event lines.
func (m *Mpv) roundTrip(ctx context.Context, command ...any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil, errors.New("mpv: not connected")
	}

	m.nextID++
	id := m.nextID
	payload, err := json.Marshal(mpvRequest{Command: command, RequestID: id})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := m.conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("mpv: write: %w", err)
	}

	for {
		line, err := m.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("mpv: read: %w", err)
		}
		var resp mpvResponse
		if json.Unmarshal(line, &resp) != nil {
			continue
		}
		if resp.Event != "" || resp.RequestID != id {
			continue
		}
		if resp.Error != "success" {
			return nil, fmt.Errorf("mpv: %s", resp.Error)
		}
		return resp.Data, nil
	}
}

func (m *Mpv) getFloat(ctx context.Context, property string) (float64, error) {
	raw, err := m.roundTrip(ctx, "get_property", property)
	if err != nil {
		return 0, err
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, fmt.Errorf("mpv: %s: %w", property, err)
	}
	return value, nil
}

func (m *Mpv) getBool(ctx context.Context, property string) (bool, error) {
	raw, err := m.roundTrip(ctx, "get_property", property)
	if err != nil {
		return false, err
	}
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, fmt.Errorf("mpv: %s: %w", property, err)
	}
	return value, nil
}

// Load replaces the current file. A startAt above a few seconds becomes
// an mpv start option so the resume happens before the first frame.
func (m *Mpv) Load(ctx context.Context, item media.Item, startAt float64) error {
	m.ended.Store(false)
	if startAt > 5 {
		if _, err := m.roundTrip(ctx, "loadfile", item.SourceRef, "replace", fmt.Sprintf("start=%.1f", startAt)); err != nil {
			return err
		}
	} else {
		if _, err := m.roundTrip(ctx, "loadfile", item.SourceRef, "replace"); err != nil {
			return err
		}
	}
	return m.Play(ctx)
}

func (m *Mpv) Play(ctx context.Context) error {
	_, err := m.roundTrip(ctx, "set_property", "pause", false)
	return err
}

func (m *Mpv) Pause(ctx context.Context) error {
	_, err := m.roundTrip(ctx, "set_property", "pause", true)
	return err
}

func (m *Mpv) Seek(ctx context.Context, seconds float64) error {
	_, err := m.roundTrip(ctx, "set_property", "time-pos", seconds)
	return err
}

func (m *Mpv) Position(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "time-pos")
}

func (m *Mpv) Duration(ctx context.Context) (float64, error) {
	return m.getFloat(ctx, "duration")
}

func (m *Mpv) Paused(ctx context.Context) (bool, error) {
	return m.getBool(ctx, "pause")
}

// HasEnded combines the explicit end-of-stream property with the
// percentage threshold. On IPC failure the previous verdict stands.
func (m *Mpv) HasEnded(ctx context.Context) bool {
	if eof, err := m.getBool(ctx, "eof-reached"); err == nil && eof {
		m.ended.Store(true)
		return true
	}
	position, perr := m.Position(ctx)
	duration, derr := m.Duration(ctx)
	if perr != nil || derr != nil {
		m.logger.Warn().AnErr("position", perr).AnErr("duration", derr).Msg("state unavailable, keeping prior ended verdict")
		return m.ended.Load()
	}
	ended := endedByProgress(position, duration, m.finished)
	m.ended.Store(ended)
	return ended
}

// Alive reports whether the mpv process is still running.
func (m *Mpv) Alive() bool {
	m.mu.Lock()
	connected := m.conn != nil
	m.mu.Unlock()
	return connected && !m.exited.Load()
}

// Close quits mpv, closes the socket, and reaps the process.
func (m *Mpv) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	_, _ = m.roundTrip(ctx, "quit")
	cancel()

	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	if m.cmd != nil && !m.exited.Load() {
		_ = m.cmd.Process.Kill()
	}
	if m.socket != "" {
		_ = os.Remove(m.socket)
	}
	m.logger.Debug().Msg("mpv closed")
	return nil
}
