package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"streamcast/internal/models"
)

// Handle is a started broadcast process. Wait blocks until it exits and
// returns the exit error, if any.
type Handle interface {
	Wait() error
}

// Runner launches the external process that relays a stream's media source to
// its RTMP destination. Implementations must respect ctx cancellation by
// terminating the process.
type Runner interface {
	Start(ctx context.Context, stream models.Stream, output io.Writer) (Handle, error)
}

// DefaultFFmpegBinary is the executable used when FFmpegRunner.Binary is
// empty, resolved from PATH.
const DefaultFFmpegBinary = "ffmpeg"

// DefaultStopGrace is how long a cancelled relay process may keep running to
// flush and close its RTMP session before it is killed.
const DefaultStopGrace = 10 * time.Second

// FFmpegRunner spawns ffmpeg relay processes.
type FFmpegRunner struct {
	// Binary overrides the ffmpeg executable path.
	Binary string
	// StopGrace overrides the termination grace period.
	StopGrace time.Duration
}

func (r FFmpegRunner) Start(ctx context.Context, stream models.Stream, output io.Writer) (Handle, error) {
	binary := r.Binary
	if binary == "" {
		binary = DefaultFFmpegBinary
	}
	cmd := exec.CommandContext(ctx, binary, buildRelayArgs(stream)...)
	cmd.Stdout = output
	cmd.Stderr = output
	configureGracefulStop(cmd, r.stopGrace())
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return cmdHandle{cmd: cmd}, nil
}

func (r FFmpegRunner) stopGrace() time.Duration {
	if r.StopGrace > 0 {
		return r.StopGrace
	}
	return DefaultStopGrace
}

// configureGracefulStop makes context cancellation deliver SIGTERM instead of
// the exec default of an immediate kill. The kill still happens, but only
// after the process has had the grace period to exit on its own.
func configureGracefulStop(cmd *exec.Cmd, grace time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace
}

type cmdHandle struct {
	cmd *exec.Cmd
}

func (h cmdHandle) Wait() error {
	return h.cmd.Wait()
}

// buildRelayArgs assembles the ffmpeg invocation for a stream. Streams with
// advanced settings disabled relay the source untouched; otherwise the video
// is re-encoded with the configured bitrate, frame rate, and resolution.
func buildRelayArgs(stream models.Stream) []string {
	args := []string{"-hide_banner", "-re"}
	if stream.LoopVideo {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-i", stream.SourcePath)

	if stream.UseAdvanced {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast")
		if stream.Encode.Bitrate > 0 {
			rate := strconv.Itoa(stream.Encode.Bitrate) + "k"
			args = append(args, "-b:v", rate, "-maxrate", rate, "-bufsize", strconv.Itoa(stream.Encode.Bitrate*2)+"k")
		}
		if stream.Encode.FPS > 0 {
			args = append(args, "-r", strconv.Itoa(stream.Encode.FPS), "-g", strconv.Itoa(stream.Encode.FPS*2))
		}
		if stream.Encode.Resolution != "" {
			args = append(args, "-s", stream.Encode.Resolution)
		}
		args = append(args, "-c:a", "aac", "-b:a", "128k", "-ar", "44100")
	} else {
		args = append(args, "-c:v", "copy", "-c:a", "copy")
	}

	args = append(args, "-f", "flv", stream.Destination())
	return args
}
