/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist holds the scraping collaborators the core delegates
// to: playlist expansion and asynchronous title resolution. Everything
// here is best-effort; the core treats failure as "not a playlist" or
// "no title yet".
package playlist

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/media"
)

const pageLoadTimeout = 20 * time.Second

// Session lazily launches one shared browser for all scraping work.
type Session struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	headless bool
	launch   *launcher.Launcher
	browser  *rod.Browser
}

// NewSession creates a session; the browser starts on first use.
func NewSession(cfg *config.Config, logger zerolog.Logger) *Session {
	return &Session{
		logger:   logger.With().Str("component", "playlist").Logger(),
		headless: cfg.BrowserHeadless,
	}
}

func (s *Session) connect() (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	launch := launcher.New().Headless(s.headless).Set("mute-audio")
	controlURL, err := launch.Launch()
	if err != nil {
		return nil, err
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		launch.Cleanup()
		return nil, err
	}
	s.launch = launch
	s.browser = browser
	return browser, nil
}

// openPage navigates a fresh page and waits for it to settle. The caller
// closes the page.
func (s *Session) openPage(ctx context.Context, url string) (*rod.Page, error) {
	browser, err := s.connect()
	if err != nil {
		return nil, err
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, err
	}
	if err := page.Context(ctx).Timeout(pageLoadTimeout).WaitLoad(); err != nil {
		s.logger.Debug().Err(err).Str("url", url).Msg("page load wait")
	}
	return page, nil
}

// Close shuts the shared browser down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
	}
	if s.launch != nil {
		s.launch.Cleanup()
		s.launch = nil
	}
	return nil
}

// videoLinkRe matches watchable links on playlist pages for the
// platforms we canonicalize.
var videoLinkRe = regexp.MustCompile(`https?://(?:www\.)?(?:youtube\.com/watch\?v=[a-zA-Z0-9_-]+|bilibili\.com/video/BV[a-zA-Z0-9]+)`)

const collectLinksJS = `() => Array.from(document.querySelectorAll('a[href]')).map(a => a.href)`

// Expander flattens a playlist page into its video links.
type Expander struct {
	session *Session
	logger  zerolog.Logger
}

// NewExpander creates an expander over a shared session.
func NewExpander(session *Session) *Expander {
	return &Expander{session: session, logger: session.logger}
}

// Expand scrapes the playlist page for video links, deduplicated by
// canonical ref in first-seen order. An error or an empty result tells
// the scheduler to treat the source as a single item.
func (e *Expander) Expand(ctx context.Context, item media.Item) ([]media.Item, error) {
	page, err := e.session.openPage(ctx, item.SourceRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = page.Close() }()

	obj, err := page.Context(ctx).Eval(collectLinksJS)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var items []media.Item
	for _, link := range obj.Value.Arr() {
		href := videoLinkRe.FindString(link.Str())
		if href == "" {
			continue
		}
		canonical := media.Canonicalize(href)
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		items = append(items, media.NewItem(canonical, ""))
	}
	e.logger.Info().Str("playlist", item.SourceRef).Int("items", len(items)).Msg("playlist expanded")
	return items, nil
}

// titleSuffixes are platform decorations stripped from document titles.
var titleSuffixes = []string{
	" - YouTube",
	"_哔哩哔哩_bilibili",
	"_bilibili",
}

// Resolver fetches page titles asynchronously. The core never blocks on
// it; results arrive through the callback.
type Resolver struct {
	session *Session
	logger  zerolog.Logger
}

// NewResolver creates a title resolver over a shared session.
func NewResolver(session *Session) *Resolver {
	return &Resolver{session: session, logger: session.logger}
}

// Resolve fetches the title for url and invokes done with it. Fire and
// forget: failures are logged and done is simply never called.
func (r *Resolver) Resolve(ctx context.Context, url string, done func(title string)) {
	go func() {
		page, err := r.session.openPage(ctx, url)
		if err != nil {
			r.logger.Debug().Err(err).Str("url", url).Msg("title resolve failed")
			return
		}
		defer func() { _ = page.Close() }()

		obj, err := page.Context(ctx).Eval(`() => document.title`)
		if err != nil {
			r.logger.Debug().Err(err).Str("url", url).Msg("title read failed")
			return
		}
		title := CleanTitle(obj.Value.Str())
		if title == "" {
			return
		}
		done(title)
	}()
}

// CleanTitle strips platform suffixes and surrounding whitespace.
func CleanTitle(title string) string {
	for _, suffix := range titleSuffixes {
		title = strings.TrimSuffix(title, suffix)
	}
	return strings.TrimSpace(title)
}
