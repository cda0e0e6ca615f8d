package welcome

import (
	"os"
	"path/filepath"
)

// markerFile tracks whether the first-run welcome dialog has already been
// shown, the same os.UserConfigDir()-based layout settings.go uses for its
// own state file.
func markerFile() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "nfc-agent", "welcome-shown"), nil
}

// IsFirstRun reports whether the welcome dialog has never been shown on
// this machine. A marker-file read error is treated as "not first run" so
// a transient filesystem issue can't pop the dialog on every launch.
func IsFirstRun() bool {
	path, err := markerFile()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return os.IsNotExist(err)
}

// MarkAsShown records that the welcome dialog has been shown, so future
// launches skip it.
func MarkAsShown() error {
	path, err := markerFile()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte{}, 0644)
}
