package supervisor

import (
	"os/exec"
	"strings"
	"testing"
	"time"

	"streamcast/internal/models"
)

func TestBuildRelayArgsPassthrough(t *testing.T) {
	stream := models.Stream{
		SourcePath: "/media/show.mp4",
		RTMPURL:    "rtmp://live.example.com/app",
		StreamKey:  "key",
	}
	args := strings.Join(buildRelayArgs(stream), " ")
	if !strings.Contains(args, "-c:v copy -c:a copy") {
		t.Fatalf("expected passthrough codecs, got %s", args)
	}
	if !strings.Contains(args, "-f flv rtmp://live.example.com/app/key") {
		t.Fatalf("expected flv output to keyed destination, got %s", args)
	}
	if strings.Contains(args, "-stream_loop") {
		t.Fatalf("unexpected loop flag, got %s", args)
	}
}

func TestConfigureGracefulStop(t *testing.T) {
	cmd := exec.Command("ffmpeg")
	configureGracefulStop(cmd, 5*time.Second)

	// Cancellation must request termination first and only kill after the
	// grace period, so the relay can close its RTMP session cleanly.
	if cmd.Cancel == nil {
		t.Fatal("expected a termination signal to replace the default kill")
	}
	if cmd.WaitDelay != 5*time.Second {
		t.Fatalf("expected kill escalation after 5s, got %v", cmd.WaitDelay)
	}
}

func TestFFmpegRunnerStopGraceDefault(t *testing.T) {
	if got := (FFmpegRunner{}).stopGrace(); got != DefaultStopGrace {
		t.Fatalf("expected default grace %v, got %v", DefaultStopGrace, got)
	}
	if got := (FFmpegRunner{StopGrace: time.Second}).stopGrace(); got != time.Second {
		t.Fatalf("expected configured grace, got %v", got)
	}
}

func TestBuildRelayArgsAdvancedEncode(t *testing.T) {
	stream := models.Stream{
		SourcePath:  "/media/show.mp4",
		RTMPURL:     "rtmp://live.example.com/app",
		StreamKey:   "key",
		LoopVideo:   true,
		UseAdvanced: true,
		Encode:      models.EncodeSettings{Bitrate: 4500, FPS: 30, Resolution: "1280x720"},
	}
	args := strings.Join(buildRelayArgs(stream), " ")
	for _, want := range []string{
		"-stream_loop -1",
		"-c:v libx264",
		"-b:v 4500k",
		"-maxrate 4500k",
		"-bufsize 9000k",
		"-r 30",
		"-g 60",
		"-s 1280x720",
		"-c:a aac",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in args, got %s", want, args)
		}
	}
}

func TestLogRingWrapsAndTails(t *testing.T) {
	ring := newLogRing(3)
	for _, line := range []string{"one", "two", "three", "four"} {
		if _, err := ring.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	got := ring.Tail(0)
	if len(got) != 3 || got[0] != "two" || got[2] != "four" {
		t.Fatalf("unexpected ring contents: %v", got)
	}
	if tail := ring.Tail(1); len(tail) != 1 || tail[0] != "four" {
		t.Fatalf("unexpected tail: %v", tail)
	}
}

func TestLogRingBuffersPartialLines(t *testing.T) {
	ring := newLogRing(4)
	ring.Write([]byte("frame="))
	if lines := ring.Tail(0); len(lines) != 0 {
		t.Fatalf("partial line surfaced early: %v", lines)
	}
	ring.Write([]byte("42\r"))
	lines := ring.Tail(0)
	if len(lines) != 1 || lines[0] != "frame=42" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}
