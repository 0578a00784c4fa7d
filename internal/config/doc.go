// Package config provides configuration file management for netaudio.
//
// The configuration is a YAML file holding discovery and control tuning plus
// per-device settings such as nicknames and firmware dialect overrides. It is
// never used to persist discovered devices or subscriptions.
//
// # Configuration File Location
//
//   - Linux: $XDG_CONFIG_HOME/netaudio/config.yaml or $HOME/.config/netaudio/config.yaml
//   - macOS: $HOME/.config/netaudio/config.yaml
//   - Windows: %LOCALAPPDATA%\netaudio\config.yaml
//
// # Usage Example
//
//	cfg, err := config.LoadDefault()
//	if err != nil {
//	    return err
//	}
//	cfg.SetDeviceNickname("AVIO-USB-1a2b3c", "Stage Left")
//	path, _ := config.GetConfigPath()
//	if err := cfg.Save(path); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// Save serialises file writes with a package mutex. A *Config itself is not
// safe for concurrent mutation.
package config
