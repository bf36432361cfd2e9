/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/media"
)

// videoElementJS locates the page's main video element with platform
// selector fallbacks and performs one operation on it. A null result
// means the element is momentarily absent.
const videoElementJS = `(op, value) => {
	const selectors = ['.bpx-player-video-wrap video', '.html5-main-video', 'video'];
	let v = null;
	for (const s of selectors) {
		v = document.querySelector(s);
		if (v) break;
	}
	if (!v) return null;
	switch (op) {
	case 'position': return v.currentTime;
	case 'duration': return v.duration || 0;
	case 'paused': return v.paused;
	case 'ended': return v.ended;
	case 'play': v.play(); return true;
	case 'pause': v.pause(); return true;
	case 'seek': v.currentTime = value; return true;
	}
	return null;
}`

// Embedded controls a video element on a remotely-driven browser page.
// Every operation is a best-effort script evaluation: when the page or
// element is momentarily absent it returns a neutral value.
type Embedded struct {
	mu     sync.Mutex
	logger zerolog.Logger

	launch  *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page

	timeout  time.Duration
	finished int
	ended    atomic.Bool
	closed   atomic.Bool
}

// NewEmbedded launches a browser and connects to it. No page is opened
// until the first Load.
func NewEmbedded(cfg *config.Config, logger zerolog.Logger) (*Embedded, error) {
	launch := launcher.New().Headless(cfg.BrowserHeadless)
	if cfg.BrowserMuted {
		launch = launch.Set("mute-audio")
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		launch.Cleanup()
		return nil, err
	}

	return &Embedded{
		logger:   logger.With().Str("component", "browser").Logger(),
		launch:   launch,
		browser:  browser,
		timeout:  cfg.CommandTimeout,
		finished: cfg.FinishedPercentage,
	}, nil
}

// Load navigates to the item and starts playback, seeking to startAt
// when a meaningful resume position is supplied.
func (e *Embedded) Load(ctx context.Context, item media.Item, startAt float64) error {
	e.ended.Store(false)

	e.mu.Lock()
	if e.page == nil {
		page, err := e.browser.Page(proto.TargetCreateTarget{URL: item.CanonicalRef})
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.page = page
	} else if err := e.page.Context(ctx).Navigate(item.CanonicalRef); err != nil {
		e.mu.Unlock()
		return err
	}
	page := e.page
	e.mu.Unlock()

	// The player element appears after page scripts run; bounded wait,
	// playback control retries on later ticks regardless.
	if err := page.Timeout(10 * time.Second).WaitLoad(); err != nil {
		e.logger.Warn().Err(err).Str("url", item.CanonicalRef).Msg("page load wait")
	}

	if startAt > 5 {
		if err := e.Seek(ctx, startAt); err != nil {
			e.logger.Warn().Err(err).Float64("start_at", startAt).Msg("resume seek")
		}
	}
	return e.Play(ctx)
}

func (e *Embedded) eval(ctx context.Context, op string, value float64) (*proto.RuntimeRemoteObject, error) {
	e.mu.Lock()
	page := e.page
	e.mu.Unlock()
	if page == nil {
		return nil, errors.New("browser: no page loaded")
	}
	return page.Context(ctx).Timeout(e.timeout).Eval(videoElementJS, op, value)
}

func (e *Embedded) Play(ctx context.Context) error {
	_, err := e.eval(ctx, "play", 0)
	return err
}

func (e *Embedded) Pause(ctx context.Context) error {
	_, err := e.eval(ctx, "pause", 0)
	return err
}

func (e *Embedded) Seek(ctx context.Context, seconds float64) error {
	_, err := e.eval(ctx, "seek", seconds)
	return err
}

func (e *Embedded) Position(ctx context.Context) (float64, error) {
	obj, err := e.eval(ctx, "position", 0)
	if err != nil {
		return 0, err
	}
	return obj.Value.Num(), nil
}

func (e *Embedded) Duration(ctx context.Context) (float64, error) {
	obj, err := e.eval(ctx, "duration", 0)
	if err != nil {
		return 0, err
	}
	return obj.Value.Num(), nil
}

func (e *Embedded) Paused(ctx context.Context) (bool, error) {
	obj, err := e.eval(ctx, "paused", 0)
	if err != nil {
		return false, err
	}
	if obj.Value.Val() == nil {
		// Element absent; not paused is the neutral answer.
		return false, nil
	}
	return obj.Value.Bool(), nil
}

// HasEnded combines the element's ended flag with the percentage
// threshold. Evaluation failure keeps the prior verdict.
func (e *Embedded) HasEnded(ctx context.Context) bool {
	if obj, err := e.eval(ctx, "ended", 0); err == nil && obj.Value.Bool() {
		e.ended.Store(true)
		return true
	}
	position, perr := e.Position(ctx)
	duration, derr := e.Duration(ctx)
	if perr != nil || derr != nil {
		e.logger.Warn().AnErr("position", perr).AnErr("duration", derr).Msg("state unavailable, keeping prior ended verdict")
		return e.ended.Load()
	}
	ended := endedByProgress(position, duration, e.finished)
	e.ended.Store(ended)
	return ended
}

// Alive probes the remote session with a trivial evaluation.
func (e *Embedded) Alive() bool {
	if e.closed.Load() {
		return false
	}
	e.mu.Lock()
	page := e.page
	e.mu.Unlock()
	if page == nil {
		// Connected but nothing loaded yet.
		return e.browser != nil
	}
	_, err := page.Timeout(e.timeout).Eval(`() => true`)
	return err == nil
}

// Close tears down the page, the browser connection, and the launched
// process.
func (e *Embedded) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.page != nil {
		_ = e.page.Close()
		e.page = nil
	}
	if e.browser != nil {
		_ = e.browser.Close()
	}
	if e.launch != nil {
		e.launch.Cleanup()
	}
	e.logger.Debug().Msg("browser closed")
	return nil
}
