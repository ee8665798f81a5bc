package meshnode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/svanichkin/configobj"
)

// DiskLayout matches the on-disk layout the lxmf/reticulum daemon
// family uses: configDir/{config,identity,storage/...}, plus
// configDir/rns/config for the Reticulum core settings. A node built
// from this tree can read a config directory produced by that family
// and vice versa.
type DiskLayout struct {
	ConfigDir     string
	ConfigPath    string
	IdentityPath  string
	StorageDir    string
	MessagesDir   string
	RNSConfigDir  string
	RNSConfigPath string
}

func ResolveLayout(configDir string) DiskLayout {
	return DiskLayout{
		ConfigDir:     configDir,
		ConfigPath:    filepath.Join(configDir, "config"),
		IdentityPath:  filepath.Join(configDir, "identity"),
		StorageDir:    filepath.Join(configDir, "storage"),
		MessagesDir:   filepath.Join(configDir, "storage", "messages"),
		RNSConfigDir:  filepath.Join(configDir, "rns"),
		RNSConfigPath: filepath.Join(configDir, "rns", "config"),
	}
}

// DefaultConfigText returns the lxmd-style config template, with
// displayName (optional) as the initial [lxmf] display_name.
func DefaultConfigText(displayName string) string {
	if displayName == "" {
		displayName = "Me"
	}
	return fmt.Sprintf(defaultConfigTextFmt, displayName)
}

// EnsureConfig writes the default `config` file if it doesn't exist.
func EnsureConfig(configDir, displayName string) (DiskLayout, error) {
	layout := ResolveLayout(configDir)
	if err := os.MkdirAll(layout.ConfigDir, 0o755); err != nil {
		return layout, fmt.Errorf("create config dir: %w", err)
	}
	if _, err := os.Stat(layout.ConfigPath); err == nil {
		return layout, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return layout, fmt.Errorf("stat config: %w", err)
	}
	if err := os.WriteFile(layout.ConfigPath, []byte(DefaultConfigText(displayName)), 0o644); err != nil {
		return layout, fmt.Errorf("write default config: %w", err)
	}
	return layout, nil
}

// LoadConfig parses configDir/config for editing.
func LoadConfig(configDir string) (*configobj.Config, DiskLayout, error) {
	layout := ResolveLayout(configDir)
	cfg, err := configobj.Load(layout.ConfigPath)
	if err != nil {
		return nil, layout, err
	}
	return cfg, layout, nil
}

// SaveConfig validates and saves the config.
func SaveConfig(cfg *configobj.Config, configDir string) (DiskLayout, error) {
	if cfg == nil {
		return ResolveLayout(configDir), errors.New("nil config")
	}
	layout := ResolveLayout(configDir)
	if err := os.MkdirAll(layout.ConfigDir, 0o755); err != nil {
		return layout, fmt.Errorf("create config dir: %w", err)
	}
	if err := cfg.Save(layout.ConfigPath); err != nil {
		return layout, err
	}
	return layout, nil
}

// ResetConfig overwrites configDir/config with DefaultConfigText(displayName).
func ResetConfig(configDir, displayName string) (DiskLayout, error) {
	layout := ResolveLayout(configDir)
	if err := os.MkdirAll(layout.ConfigDir, 0o755); err != nil {
		return layout, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(layout.ConfigPath, []byte(DefaultConfigText(displayName)), 0o644); err != nil {
		return layout, fmt.Errorf("write default config: %w", err)
	}
	return layout, nil
}

// UpdateDisplayName persists the profile name into configDir/config ([lxmf] display_name).
func UpdateDisplayName(configDir, displayName string) error {
	if _, err := EnsureConfig(configDir, displayName); err != nil {
		return err
	}
	cfg, layout, err := LoadConfig(configDir)
	if err != nil {
		return err
	}
	if displayName == "" {
		displayName = "Me"
	}
	sec := cfg.Section("lxmf")
	sec.Set("display_name", displayName)
	_, err = SaveConfig(cfg, layout.ConfigDir)
	return err
}

// DefaultRNSConfigText returns the embedded Reticulum core config
// template. Unlike the lxmd/runcore family this carries no
// `[interfaces]` block: every transport here is registered
// programmatically with Transport (see interfaces.go) rather than
// declared in config text, so there is nothing for that section to
// hold.
func DefaultRNSConfigText(logLevel int) string {
	return fmt.Sprintf(defaultRNSConfigTextFmt, logLevel)
}

// EnsureRNSConfig writes configDir/rns/config from DefaultRNSConfigText if it doesn't exist.
func EnsureRNSConfig(configDir string, logLevel int) (DiskLayout, error) {
	layout := ResolveLayout(configDir)
	if err := os.MkdirAll(layout.RNSConfigDir, 0o755); err != nil {
		return layout, fmt.Errorf("create rns config dir: %w", err)
	}
	if _, err := os.Stat(layout.RNSConfigPath); err == nil {
		return layout, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return layout, fmt.Errorf("stat rns config: %w", err)
	}
	if err := os.WriteFile(layout.RNSConfigPath, []byte(DefaultRNSConfigText(logLevel)), 0o644); err != nil {
		return layout, fmt.Errorf("write rns config: %w", err)
	}
	return layout, nil
}

// ResetRNSConfig overwrites configDir/rns/config from DefaultRNSConfigText.
func ResetRNSConfig(configDir string, logLevel int) (DiskLayout, error) {
	layout := ResolveLayout(configDir)
	if err := os.MkdirAll(layout.RNSConfigDir, 0o755); err != nil {
		return layout, fmt.Errorf("create rns config dir: %w", err)
	}
	if err := os.WriteFile(layout.RNSConfigPath, []byte(DefaultRNSConfigText(logLevel)), 0o644); err != nil {
		return layout, fmt.Errorf("write rns config: %w", err)
	}
	return layout, nil
}

const defaultConfigTextFmt = `[propagation]
enable_node = no
announce_interval = 360
announce_at_start = yes
autopeer = yes
autopeer_maxdepth = 4

[lxmf]
display_name = %s
announce_at_start = no
delivery_transfer_max_accepted_size = 1000

[logging]
loglevel = 4
`

const defaultRNSConfigTextFmt = `[reticulum]
enable_transport = Yes
share_instance = No
panic_on_interface_error = No

[logging]
loglevel = %d
`
