package transcribe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandRunner runs an external program to completion and returns its
// combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, tail(out, 512))
	}
	return out, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

// filterChain trims leading silence and normalizes loudness before decoding.
const filterChain = "silenceremove=start_periods=1:start_threshold=-35dB:start_silence=0.2:detection=peak," +
	"loudnorm=I=-20:TP=-1.0:LRA=11"

// FFmpegNormalizer converts input audio to 16 kHz mono PCM WAV.
type FFmpegNormalizer struct {
	bin string
	dir string
	run CommandRunner
}

// NewFFmpegNormalizer writes derivatives into tempDir (os.TempDir when
// empty). A nil runner executes real processes.
func NewFFmpegNormalizer(bin, tempDir string, run CommandRunner) *FFmpegNormalizer {
	if bin == "" {
		bin = "ffmpeg"
	}
	if run == nil {
		run = execRunner
	}
	return &FFmpegNormalizer{bin: bin, dir: tempDir, run: run}
}

// Available reports whether the ffmpeg binary can be found.
func (n *FFmpegNormalizer) Available() bool {
	_, err := exec.LookPath(n.bin)
	return err == nil
}

// Normalize returns the path of a new WAV derivative of src. The caller
// removes it. On failure no file is left behind.
func (n *FFmpegNormalizer) Normalize(ctx context.Context, src string) (string, error) {
	f, err := os.CreateTemp(n.dir, "kokoron-norm-*.wav")
	if err != nil {
		return "", fmt.Errorf("creating normalized file: %w", err)
	}
	dst := f.Name()
	f.Close()

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-ac", "1",
		"-ar", "16000",
		"-af", filterChain,
		"-c:a", "pcm_s16le",
		dst,
	}
	if _, err := n.run(ctx, n.bin, args...); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("normalizing audio: %w", err)
	}
	return dst, nil
}
