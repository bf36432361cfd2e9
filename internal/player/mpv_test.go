package player

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/media"
)

// startFakeMpv runs a unix-socket server speaking the mpv IPC protocol
// and returns a backend connected to it. respond gets each command and
// returns the data value; ok=false means never answer, forcing a timeout.
func startFakeMpv(t *testing.T, respond func(command []any) (any, bool)) *Mpv {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "mpv.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req mpvRequest
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				continue
			}
			data, ok := respond(req.Command)
			if !ok {
				continue
			}
			payload, _ := json.Marshal(map[string]any{
				"data":       data,
				"error":      "success",
				"request_id": req.RequestID,
			})
			_, _ = conn.Write(append(payload, '\n'))
		}
	}()

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &Mpv{
		logger:   zerolog.Nop(),
		conn:     conn,
		reader:   bufio.NewReader(conn),
		timeout:  200 * time.Millisecond,
		finished: 95,
	}
}

func property(command []any) (string, bool) {
	if len(command) == 2 && command[0] == "get_property" {
		name, ok := command[1].(string)
		return name, ok
	}
	return "", false
}

func TestMpvPositionRoundTrip(t *testing.T) {
	t.Parallel()

	m := startFakeMpv(t, func(command []any) (any, bool) {
		if name, ok := property(command); ok && name == "time-pos" {
			return 12.5, true
		}
		return nil, true
	})

	pos, err := m.Position(context.Background())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos != 12.5 {
		t.Fatalf("expected 12.5, got %v", pos)
	}
}

func TestMpvPauseCommands(t *testing.T) {
	t.Parallel()

	commands := make(chan []any, 4)
	m := startFakeMpv(t, func(command []any) (any, bool) {
		commands <- append([]any(nil), command...)
		return nil, true
	})

	if err := m.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got := <-commands
	if len(got) != 3 || got[0] != "set_property" || got[1] != "pause" || got[2] != true {
		t.Fatalf("unexpected pause command: %v", got)
	}

	if err := m.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	got = <-commands
	if len(got) != 3 || got[2] != false {
		t.Fatalf("unexpected play command: %v", got)
	}
}

func TestMpvSkipsEventLines(t *testing.T) {
	t.Parallel()

	socket := filepath.Join(t.TempDir(), "mpv.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req mpvRequest
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				continue
			}
			// Asynchronous event lines interleave with responses.
			_, _ = conn.Write([]byte(`{"event":"playback-restart"}` + "\n"))
			payload, _ := json.Marshal(map[string]any{
				"data":       42.0,
				"error":      "success",
				"request_id": req.RequestID,
			})
			_, _ = conn.Write(append(payload, '\n'))
		}
	}()

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	m := &Mpv{
		logger:   zerolog.Nop(),
		conn:     conn,
		reader:   bufio.NewReader(conn),
		timeout:  200 * time.Millisecond,
		finished: 95,
	}

	pos, err := m.Position(context.Background())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos != 42.0 {
		t.Fatalf("expected 42.0, got %v", pos)
	}
}

func TestMpvTimeoutKeepsCachedEndedVerdict(t *testing.T) {
	t.Parallel()

	m := startFakeMpv(t, func(command []any) (any, bool) {
		return nil, false // never answer
	})
	m.ended.Store(true)

	if !m.HasEnded(context.Background()) {
		t.Fatal("timeout must keep the prior ended verdict")
	}

	m.ended.Store(false)
	if m.HasEnded(context.Background()) {
		t.Fatal("timeout must not invent an ended verdict")
	}
}

func TestMpvEndedByPercentage(t *testing.T) {
	t.Parallel()

	var position atomic.Value
	position.Store(50.0)
	m := startFakeMpv(t, func(command []any) (any, bool) {
		name, ok := property(command)
		if !ok {
			return nil, true
		}
		switch name {
		case "eof-reached":
			return false, true
		case "time-pos":
			return position.Load(), true
		case "duration":
			return 100.0, true
		}
		return nil, true
	})

	if m.HasEnded(context.Background()) {
		t.Fatal("50% watched must not count as ended")
	}
	position.Store(96.0)
	if !m.HasEnded(context.Background()) {
		t.Fatal("96% watched must count as ended at a 95% threshold")
	}
}

func TestEndedByProgress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		position, duration float64
		pct                int
		want               bool
	}{
		{0, 0, 95, false},
		{10, 0, 95, false},
		{94, 100, 95, false},
		{95, 100, 95, true},
		{99, 100, 95, true},
	}
	for _, tc := range cases {
		if got := endedByProgress(tc.position, tc.duration, tc.pct); got != tc.want {
			t.Errorf("endedByProgress(%v, %v, %d) = %v, want %v", tc.position, tc.duration, tc.pct, got, tc.want)
		}
	}
}

func TestManagerChoosesBackendByKindAndPreference(t *testing.T) {
	t.Parallel()

	local := media.Item{SourceRef: "/videos/a.mkv", Kind: media.KindLocalFile}
	remote := media.Item{SourceRef: "https://www.youtube.com/watch?v=abc", Kind: media.KindVideo}

	auto := NewManager(&config.Config{Backend: config.BackendAuto}, zerolog.Nop())
	if auto.choose(local) != kindMpv {
		t.Fatal("auto preference must pick mpv for local files")
	}
	if auto.choose(remote) != kindBrowser {
		t.Fatal("auto preference must pick the browser for URLs")
	}

	forced := NewManager(&config.Config{Backend: config.BackendMpv}, zerolog.Nop())
	if forced.choose(remote) != kindMpv {
		t.Fatal("mpv preference must win over item kind")
	}
}
