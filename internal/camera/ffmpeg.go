package camera

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

// FFmpegDevices holds cameras open with an ffmpeg capture process. The
// process owns the device lock for as long as the stream is live.
type FFmpegDevices struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
	// Settle is how long the process must stay up before the device counts
	// as acquired. Defaults to 200ms.
	Settle time.Duration
}

// List returns the video nodes on Linux. Other platforms address cameras
// by index, so "0" is offered as the default device.
func (d FFmpegDevices) List(context.Context) ([]Device, error) {
	if runtime.GOOS != "linux" {
		return []Device{{ID: "0", Label: "Default camera"}}, nil
	}

	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)

	devices := make([]Device, 0, len(nodes))
	for _, n := range nodes {
		devices = append(devices, Device{ID: n, Label: filepath.Base(n)})
	}
	return devices, nil
}

// Acquire starts a capture process for deviceID. A missing or busy device
// makes ffmpeg exit right away, which is reported as an error.
func (d FFmpegDevices) Acquire(ctx context.Context, deviceID, _ string) (Stream, error) {
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	input, err := inputArgs(deviceID)
	if err != nil {
		return nil, err
	}
	args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
	args = append(args, "-f", "null", "-")

	// The capture process must outlive the acquisition context
	cmd := exec.Command(bin, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to open camera %s: %w", deviceID, err)
	}

	s := &ffmpegStream{id: deviceID, cmd: cmd, exited: make(chan struct{})}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	settle := d.Settle
	if settle <= 0 {
		settle = 200 * time.Millisecond
	}
	timer := time.NewTimer(settle)
	defer timer.Stop()

	select {
	case <-s.exited:
		if s.waitErr == nil {
			return nil, fmt.Errorf("camera %s closed immediately", deviceID)
		}
		return nil, fmt.Errorf("failed to open camera %s: %w", deviceID, s.waitErr)
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}
	return s, nil
}

func inputArgs(deviceID string) ([]string, error) {
	switch runtime.GOOS {
	case "linux":
		return []string{"-f", "v4l2", "-i", deviceID}, nil
	case "darwin":
		return []string{"-f", "avfoundation", "-i", deviceID + ":none"}, nil
	case "windows":
		return []string{"-f", "dshow", "-i", "video=" + deviceID}, nil
	default:
		return nil, fmt.Errorf("camera capture not supported on %s", runtime.GOOS)
	}
}

type ffmpegStream struct {
	id  string
	cmd *exec.Cmd

	once    sync.Once
	exited  chan struct{}
	waitErr error
}

func (s *ffmpegStream) DeviceID() string {
	return s.id
}

// Stop kills the capture process and waits for it to exit, so the device
// is free when Stop returns.
func (s *ffmpegStream) Stop() error {
	var err error
	s.once.Do(func() {
		select {
		case <-s.exited:
			// Exited on its own, e.g. the device was unplugged
			var exitErr *exec.ExitError
			if s.waitErr != nil && !errors.As(s.waitErr, &exitErr) {
				err = s.waitErr
			}
			return
		default:
		}
		if killErr := s.cmd.Process.Kill(); killErr != nil {
			err = killErr
		}
		<-s.exited
	})
	return err
}
