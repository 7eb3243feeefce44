package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/app"
	"github.com/petems/lens-assistant/internal/camera"
	"github.com/petems/lens-assistant/internal/config"
	"github.com/petems/lens-assistant/internal/hub"
	"github.com/petems/lens-assistant/internal/logging"
)

var languages = []struct {
	code  string
	label string
}{
	{hub.LangEnglish, "English"},
	{hub.LangArabic, "العربية"},
}

type UI struct {
	app     *app.App
	cfg     *config.Config
	version string
	commit  string
	log     zerolog.Logger

	// Menu items
	mAsk      *systray.MenuItem
	mMode     *systray.MenuItem
	mDevices  *systray.MenuItem
	mLanguage *systray.MenuItem
	mCamera   *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle", "")
}

func (u *UI) SetRecording() {
	u.updateStatus("recording", "")
}

func (u *UI) SetProcessing() {
	u.updateStatus("processing", "")
}

func (u *UI) SetError(message string) {
	u.updateStatus("error", message)
}

func New(application *app.App, cfg *config.Config, version, commit string, log zerolog.Logger) *UI {
	return &UI{
		app:     application,
		cfg:     cfg,
		version: version,
		commit:  commit,
		log:     log.With().Str("component", "tray").Logger(),
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// Run blocks until Quit is chosen or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	u.updateStatus("idle", "")

	// Build menu
	u.mAsk = systray.AddMenuItem(askTitle(app.Idle), "Record a question for the assistant")
	systray.AddSeparator()

	u.mMode = systray.AddMenuItem(modeTitle(u.cfg.Mode), "Toggle between modes")
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Microphone", "Select audio device")
	u.buildDeviceMenu()

	u.mLanguage = systray.AddMenuItem("Language", "Language you speak")
	u.buildLanguageMenu()

	u.mCamera = systray.AddMenuItem("Camera", "Camera feeding the lens")
	u.buildCameraMenu()

	systray.AddSeparator()
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About Lens Assistant")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	// Event loop
	go u.handleEvents(mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mAsk.ClickedCh:
			u.toggleTurn()
		case <-u.mMode.ClickedCh:
			u.toggleMode()
		case <-mLogs.ClickedCh:
			u.openLogs()
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// toggleTurn starts a turn, or finishes the one being captured. A menu
// click cannot be held, so it always toggles regardless of mode.
func (u *UI) toggleTurn() {
	if u.app.State() == app.Capturing {
		go func() {
			turn, err := u.app.FinishCapture(context.Background())
			if err != nil {
				return
			}
			u.log.Info().Str("turn", turn.ID).Str("reply", turn.Reply).Msg("Assistant replied")
		}()
		return
	}

	if err := u.app.StartCapture(); err != nil {
		u.log.Error().Err(err).Msg("Failed to start recording")
	}
}

func (u *UI) buildDeviceMenu() {
	// Get devices from app
	devices, err := u.app.ListDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}

	deviceItems := make(map[string]*systray.MenuItem)

	for _, dev := range devices {
		item := u.mDevices.AddSubMenuItem(dev.Name, "")
		if dev.ID == u.cfg.Audio.DeviceID || (u.cfg.Audio.DeviceID == "" && dev.Default) {
			item.Check()
		}
		deviceItems[dev.ID] = item

		go func(deviceID, deviceName string, menuItem *systray.MenuItem) {
			for {
				<-menuItem.ClickedCh
				if err := u.app.SetDevice(deviceID); err != nil {
					u.log.Warn().Err(err).Msg("Could not change audio device")
					continue
				}
				checkOnly(deviceItems, deviceID)
				u.log.Info().Str("device", deviceName).Msg("Changed audio device")
			}
		}(dev.ID, dev.Name, item)
	}
}

func (u *UI) buildLanguageMenu() {
	items := make(map[string]*systray.MenuItem)

	for _, lang := range languages {
		item := u.mLanguage.AddSubMenuItem(lang.label, "")
		if lang.code == u.app.Language() {
			item.Check()
		}
		items[lang.code] = item

		go func(code string, menuItem *systray.MenuItem) {
			for {
				<-menuItem.ClickedCh
				old := u.app.Language()
				if err := u.app.SetLanguage(code); err != nil {
					u.log.Error().Err(err).Msg("Failed to change language")
					continue
				}
				checkOnly(items, code)
				u.log.Info().Str("from", old).Str("to", code).Msg("Changed language")
			}
		}(lang.code, item)
	}
}

func (u *UI) buildCameraMenu() {
	cam := u.app.Camera()
	if cam == nil {
		u.mCamera.Disable()
		return
	}

	devices, err := cam.Devices(context.Background())
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list cameras")
	}
	devices = append([]camera.Device{{ID: camera.NoCamera, Label: "No camera"}}, devices...)

	items := make(map[string]*systray.MenuItem)
	current := cam.Current()
	for _, dev := range devices {
		item := u.mCamera.AddSubMenuItem(dev.Label, dev.ID)
		if dev.ID == current || (camera.IsNone(dev.ID) && camera.IsNone(current)) {
			item.Check()
		}
		items[dev.ID] = item

		go func(id string, menuItem *systray.MenuItem) {
			for {
				<-menuItem.ClickedCh
				if err := u.app.SetCamera(context.Background(), id); err != nil {
					u.log.Error().Err(err).Str("camera", id).Msg("Failed to switch camera")
				}
				checkOnly(items, cam.Current())
				if camera.IsNone(cam.Current()) {
					items[camera.NoCamera].Check()
				}
			}
		}(dev.ID, item)
	}
}

func checkOnly(items map[string]*systray.MenuItem, selected string) {
	for id, item := range items {
		if id == selected {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

func (u *UI) toggleMode() {
	oldMode := u.cfg.Mode
	newMode := config.ModeToggle
	if oldMode == config.ModeToggle {
		newMode = config.ModePushToTalk
	}
	u.app.SetMode(newMode)
	u.mMode.SetTitle(modeTitle(newMode))
	u.log.Info().Str("from", oldMode).Str("to", newMode).Msg("Changed mode")
}

func (u *UI) openLogs() {
	path := logging.Path()
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open logs")
	}
}

func (u *UI) showAbout() {
	systray.SetTooltip(fmt.Sprintf("Lens Assistant %s (%s)", u.version, u.commit))
}

func (u *UI) onExit() {
	u.log.Info().Msg("Tray closed")
}

// updateStatus sets the tray title with microphone emoji and status indicator
func (u *UI) updateStatus(status, message string) {
	systray.SetTitle(fmt.Sprintf("🎤 %s", emojiForStatus(status)))
	systray.SetTooltip(tooltip(status, message))
	if u.mAsk != nil {
		u.mAsk.SetTitle(askTitle(stateForStatus(status)))
	}
}

func stateForStatus(status string) app.State {
	switch status {
	case "recording":
		return app.Capturing
	case "processing":
		return app.Generating
	default:
		return app.Idle
	}
}

func tooltip(status, message string) string {
	if status == "error" && message != "" {
		return message
	}
	return "Lens Assistant: " + status
}

func askTitle(state app.State) string {
	switch state {
	case app.Capturing:
		return "Stop and Send"
	case app.Transcribing, app.Generating:
		return "Thinking..."
	default:
		return "Ask"
	}
}

func modeTitle(mode string) string {
	if mode == config.ModeToggle {
		return "Mode: Toggle"
	}
	return "Mode: Push-to-Talk"
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "recording":
		return "🔴" // Red - recording
	case "processing":
		return "🟡" // Yellow - waiting on the assistant
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}
