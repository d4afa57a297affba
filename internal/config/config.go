package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	// ScanIntervalSec is how often the network is scanned for devices.
	ScanIntervalSec int `json:"scanIntervalSec"`
	// PollIntervalSec is how often known devices are health-probed.
	PollIntervalSec int `json:"pollIntervalSec"`
	// EvictAfterHours removes a device after this many hours of continuous
	// unavailability. Zero disables eviction.
	EvictAfterHours int `json:"evictAfterHours"`

	// Interface restricts discovery to one network interface. Empty means
	// all multicast-capable interfaces.
	Interface string `json:"interface"`

	TTSLanguage string `json:"ttsLanguage"`

	// ListenAddress is where the audio origin listens, e.g. ":8437".
	ListenAddress string `json:"listenAddress"`
	// ExternalHost is the host:port devices use to reach the audio origin.
	// Required, since devices cannot resolve loopback addresses.
	ExternalHost string `json:"externalHost"`

	DataDir   string `json:"dataDir"`
	YTDLPPath string `json:"ytdlpPath"`
	LogLevel  string `json:"logLevel"`
}

func defaults() (*Config, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("defaults: failed to get cache dir: %w", err)
	}

	return &Config{
		ScanIntervalSec: 300,
		PollIntervalSec: 60,
		EvictAfterHours: 24,
		TTSLanguage:     "en",
		ListenAddress:   ":8437",
		DataDir:         filepath.Join(cache, "castbridge"),
		YTDLPPath:       "yt-dlp",
		LogLevel:        "info",
	}, nil
}

// GetAppConfig loads the settings file, creating it with defaults on
// first run.
func GetAppConfig() (*Config, error) {
	path, err := appPath()
	if err != nil {
		return nil, fmt.Errorf("GetAppConfig: failed to access config path: %w", err)
	}

	cfgfile, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return nil, fmt.Errorf("GetAppConfig: failed to create config path: %w", err)
			}

			conf, err := defaults()
			if err != nil {
				return nil, err
			}

			b, err := json.MarshalIndent(conf, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("GetAppConfig: failed to encode default config: %w", err)
			}

			if err := os.WriteFile(path, b, 0644); err != nil {
				return nil, fmt.Errorf("GetAppConfig: failed to write default config: %w", err)
			}

			return conf, nil
		}

		return nil, fmt.Errorf("GetAppConfig: failed to open config: %w", err)
	}
	defer cfgfile.Close()

	conf, err := defaults()
	if err != nil {
		return nil, err
	}
	if err := json.NewDecoder(cfgfile).Decode(conf); err != nil {
		return nil, fmt.Errorf("GetAppConfig: failed to decode config: %w", err)
	}

	return conf, nil
}

func (s *Config) SaveAppConfig() error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("SaveAppConfig: failed to marshal json: %w", err)
	}

	path, err := appPath()
	if err != nil {
		return fmt.Errorf("SaveAppConfig: failed to access config path: %w", err)
	}

	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("SaveAppConfig: failed to save config: %w", err)
	}

	return nil
}

func appPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("appPath: failed to get config dir: %w", err)
	}

	return filepath.Join(oscfg, "castbridge", "settings.json"), nil
}
