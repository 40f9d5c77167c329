package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fake routes ffmpeg and ffprobe to TestHelperProcess with env set.
func fake(t *testing.T, env ...string) {
	t.Helper()
	prev := command
	command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", filepath.Base(name)}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "VJRUN_HELPER=1")
		cmd.Env = append(cmd.Env, env...)
		return cmd
	}
	t.Cleanup(func() { command = prev })
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("VJRUN_HELPER") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	os.Exit(helperMain(args[1], args[2:]))
}

const fakeW, fakeH = 4, 2

func envSet(key string) bool {
	return os.Getenv(key) != ""
}

func helperMain(name string, args []string) int {
	switch name {
	case "ffprobe":
		if envSet("FAKE_PROBE_FAIL") {
			fmt.Fprintln(os.Stderr, "missing.mp4: No such file or directory")
			return 1
		}
		fmt.Printf(`{"streams":[{"width":%d,"height":%d,"avg_frame_rate":"30000/1001","r_frame_rate":"30000/1001"}],"format":{"duration":"2.500000"}}`, fakeW, fakeH)
		return 0
	case "ffmpeg":
		if args[len(args)-1] == "-" {
			return fakeDecode()
		}
		return fakeEncode(args[len(args)-1])
	}
	return 2
}

func fakeDecode() int {
	if envSet("FAKE_STALL") {
		time.Sleep(time.Minute)
		return 0
	}
	n, err := strconv.Atoi(os.Getenv("FAKE_FRAMES"))
	if err != nil {
		n = 3
	}
	for i := range n {
		if _, err := os.Stdout.Write(bytes.Repeat([]byte{byte(i)}, fakeW*fakeH*4)); err != nil {
			return 1
		}
	}
	if envSet("FAKE_CRASH") {
		os.Stdout.Write([]byte{1, 2, 3, 4, 5})
		fmt.Fprintln(os.Stderr, "Error while decoding stream #0:0")
		return 3
	}
	if envSet("FAKE_HANG") {
		time.Sleep(time.Minute)
	}
	return 0
}

func fakeEncode(path string) int {
	if envSet("FAKE_IGNORE_INT") {
		signal.Ignore(os.Interrupt)
	}
	if envSet("FAKE_CRASH") {
		io.ReadFull(os.Stdin, make([]byte, fakeW*fakeH*4))
		fmt.Fprintln(os.Stderr, "Conversion failed!")
		return 1
	}
	n, _ := io.Copy(io.Discard, os.Stdin)
	if envSet("FAKE_IGNORE_INT") {
		time.Sleep(time.Minute)
	}
	if err := os.WriteFile(path, []byte(strconv.FormatInt(n, 10)), 0o644); err != nil {
		return 1
	}
	return 0
}

func TestProbe(t *testing.T) {
	fake(t)
	info, err := Probe(context.Background(), "", "clip.mp4", "")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Width != fakeW || info.Height != fakeH || info.Duration != 2500*time.Millisecond {
		t.Errorf("got %+v", info)
	}
	if info.FPS < 29.97 || info.FPS > 29.98 {
		t.Errorf("got fps %v, want 29.97", info.FPS)
	}
}

func TestProbeFailure(t *testing.T) {
	fake(t, "FAKE_PROBE_FAIL=1")
	_, err := Probe(context.Background(), "", "missing.mp4", "")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("got %v, want ExitError", err)
	}
	if !strings.Contains(exitErr.Stderr, "No such file") {
		t.Errorf("got stderr %q", exitErr.Stderr)
	}
}

func TestParseRate(t *testing.T) {
	cases := map[string]float64{"30/1": 30, "25": 25, "0/0": 0, "": 0, "60000/1000": 60}
	for in, want := range cases {
		if got := parseRate(in); got != want {
			t.Errorf("parseRate(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestReaderFrames(t *testing.T) {
	fake(t, "FAKE_FRAMES=5")
	r, err := OpenReader(context.Background(), ReaderConfig{Path: "clip.mp4", FPS: 30})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if w, h := r.Size(); w != fakeW || h != fakeH {
		t.Fatalf("got size %dx%d", w, h)
	}
	i := 0
	for img, err := range r.Frames() {
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if img.Bounds() != image.Rect(0, 0, fakeW, fakeH) || img.Pix[0] != byte(i) {
			t.Errorf("frame %d: got bounds %v first byte %d", i, img.Bounds(), img.Pix[0])
		}
		i++
	}
	if i != 5 {
		t.Errorf("got %d frames, want 5", i)
	}
	if _, err := r.Next(); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after loop: got %v, want ErrClosed", err)
	}
}

func TestReaderBreakClosesProcess(t *testing.T) {
	fake(t, "FAKE_FRAMES=10", "FAKE_HANG=1")
	r, err := OpenReader(context.Background(), ReaderConfig{Path: "clip.mp4", Width: fakeW, Height: fakeH, CloseTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	n := 0
	for _, err := range r.Frames() {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if !r.proc.exited() {
		t.Error("decoder still running after break")
	}
}

func TestReaderCrash(t *testing.T) {
	fake(t, "FAKE_FRAMES=2", "FAKE_CRASH=1")
	r, err := OpenReader(context.Background(), ReaderConfig{Path: "clip.mp4", Width: fakeW, Height: fakeH})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	var frames int
	var last error
	for _, err := range r.Frames() {
		if err != nil {
			last = err
			break
		}
		frames++
	}
	if frames != 2 {
		t.Errorf("got %d frames, want 2", frames)
	}
	var exitErr *ExitError
	if !errors.As(last, &exitErr) {
		t.Fatalf("got %v, want ExitError", last)
	}
	if !strings.Contains(exitErr.Stderr, "decoding") {
		t.Errorf("got stderr %q", exitErr.Stderr)
	}
}

func TestReaderTimeout(t *testing.T) {
	fake(t, "FAKE_STALL=1")
	r, err := OpenReader(context.Background(), ReaderConfig{
		Path: "clip.mp4", Width: fakeW, Height: fakeH,
		ReadTimeout: 50 * time.Millisecond, CloseTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
	r.Close()
	if !r.proc.exited() {
		t.Error("stalled decoder not stopped by Close")
	}
}

func frame(c byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, fakeW, fakeH))
	for i := range img.Pix {
		img.Pix[i] = c
	}
	return img
}

func TestWriter(t *testing.T) {
	fake(t)
	out := filepath.Join(t.TempDir(), "out.mp4")
	w, err := CreateWriter(context.Background(), WriterConfig{Path: out, FPS: 30, Width: fakeW, Height: fakeH})
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	for i := range 3 {
		if err := w.Write(frame(byte(i))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if want := strconv.Itoa(3 * fakeW * fakeH * 4); string(got) != want {
		t.Errorf("encoder received %s bytes, want %s", got, want)
	}
	if w.Frames() != 3 {
		t.Errorf("got %d frames, want 3", w.Frames())
	}
}

func TestWriterSubImage(t *testing.T) {
	fake(t)
	out := filepath.Join(t.TempDir(), "out.mp4")
	w, err := CreateWriter(context.Background(), WriterConfig{Path: out, FPS: 30, Width: fakeW, Height: fakeH})
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	big := image.NewRGBA(image.Rect(0, 0, fakeW*2, fakeH*2))
	sub := big.SubImage(image.Rect(1, 1, 1+fakeW, 1+fakeH)).(*image.RGBA)
	if err := w.Write(sub); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := os.ReadFile(out)
	if want := strconv.Itoa(fakeW * fakeH * 4); string(got) != want {
		t.Errorf("encoder received %s bytes, want %s", got, want)
	}
}

func TestWriterDetectsCrash(t *testing.T) {
	fake(t, "FAKE_CRASH=1")
	w, err := CreateWriter(context.Background(), WriterConfig{Path: filepath.Join(t.TempDir(), "out.mp4"), FPS: 30, Width: fakeW, Height: fakeH})
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	var werr error
	for i := 0; i < 200 && werr == nil; i++ {
		werr = w.Write(frame(1))
		time.Sleep(5 * time.Millisecond)
	}
	var exitErr *ExitError
	if !errors.As(werr, &exitErr) {
		t.Fatalf("got %v, want ExitError", werr)
	}
	if !strings.Contains(exitErr.Stderr, "Conversion failed") {
		t.Errorf("got stderr %q", exitErr.Stderr)
	}
	if err := w.Write(frame(1)); err == nil {
		t.Error("Write after failure succeeded")
	}
	if err := w.Close(); err == nil {
		t.Error("Close after failure returned nil")
	}
}

func TestWriterKillsHungEncoder(t *testing.T) {
	fake(t, "FAKE_IGNORE_INT=1")
	w, err := CreateWriter(context.Background(), WriterConfig{
		Path: filepath.Join(t.TempDir(), "out.mp4"), FPS: 30, Width: fakeW, Height: fakeH,
		CloseTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	w.Write(frame(0))
	start := time.Now()
	err = w.Close()
	if err == nil || !strings.Contains(err.Error(), "killed") {
		t.Errorf("got %v, want killed error", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Close took %v", d)
	}
	if !w.proc.exited() {
		t.Error("encoder still running")
	}
}

func TestWriterArgs(t *testing.T) {
	args := writerArgs(WriterConfig{Path: "out.mp4", FPS: 60, Width: 1920, Height: 1080, Audio: "song.wav", Codec: "libx264"})
	for _, want := range []string{"1920x1080", "60", "song.wav", "1:a:0", "out.mp4"} {
		if !slices.Contains(args, want) {
			t.Errorf("args %v missing %q", args, want)
		}
	}
	if slices.Contains(args, "-shortest") {
		t.Errorf("args %v would truncate the video", args)
	}
}

func TestWriterRejectsOddSize(t *testing.T) {
	if _, err := CreateWriter(context.Background(), WriterConfig{Path: "x.mp4", FPS: 30, Width: 3, Height: 2}); err == nil {
		t.Error("expected error for odd width")
	}
}

func TestReaderArgs(t *testing.T) {
	args := readerArgs(ReaderConfig{Path: "/dev/video0", InputFormat: "v4l2", FPS: 29.97})
	want := []string{"-f", "v4l2", "-i", "/dev/video0", "-vf", "fps=29.97"}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, strings.Join(want, " ")) {
		t.Errorf("got %q, want it to contain %q", joined, strings.Join(want, " "))
	}
}
