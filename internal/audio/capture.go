/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audio runs the capture command and feeds fixed-size sample
// blocks to the silence monitor. The command is expected to write raw
// float32 little-endian mono PCM to stdout, the way parec or an
// equivalent ffmpeg invocation does.
package audio

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/config"
)

// Sink receives one block of samples per ingest interval. It must not
// block; the silence monitor's Ingest satisfies this.
type Sink func(block []float64, gain float64)

// Capture owns the external PCM source process.
type Capture struct {
	logger    zerolog.Logger
	cmdline   []string
	blockSize int
	gain      float64
	retryWait time.Duration
	sink      Sink
}

// NewCapture builds a capture loop from config. Returns nil when capture
// is disabled so callers can skip starting it.
func NewCapture(cfg *config.Config, sink Sink, logger zerolog.Logger) *Capture {
	fields := strings.Fields(cfg.CaptureCommand)
	if len(fields) == 0 {
		return nil
	}
	blockSize := int(cfg.CaptureBlock.Seconds() * float64(cfg.CaptureRate))
	if blockSize <= 0 {
		blockSize = 4410
	}
	retryWait := cfg.CaptureRetryWait
	if retryWait <= 0 {
		retryWait = 2 * time.Second
	}
	return &Capture{
		logger:    logger.With().Str("component", "capture").Logger(),
		cmdline:   fields,
		blockSize: blockSize,
		gain:      cfg.AudioGain,
		retryWait: retryWait,
		sink:      sink,
	}
}

// Run starts the capture command and restarts it if it dies, until the
// context is cancelled.
func (c *Capture) Run(ctx context.Context) {
	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Dur("retry_in", c.retryWait).Msg("capture command exited")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryWait):
		}
	}
}

func (c *Capture) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.cmdline[0], c.cmdline[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	c.logger.Info().Str("command", c.cmdline[0]).Int("block_samples", c.blockSize).Msg("capture started")

	readErr := c.pump(stdout)
	waitErr := cmd.Wait()
	if readErr != nil && readErr != io.EOF {
		return readErr
	}
	return waitErr
}

// pump reads full blocks and hands them to the sink until the stream ends.
func (c *Capture) pump(r io.Reader) error {
	raw := make([]byte, c.blockSize*4)
	for {
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		c.sink(decodeBlock(raw), c.gain)
	}
}

// decodeBlock converts little-endian float32 PCM bytes to float64
// samples. Short trailing bytes are never passed in; pump reads full
// blocks only.
func decodeBlock(raw []byte) []float64 {
	samples := make([]float64, len(raw)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = float64(math.Float32frombits(bits))
	}
	return samples
}
