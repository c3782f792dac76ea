package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML config file read by --config. Flags
// passed on the command line always take precedence over it; a value
// is only pulled from the file when its flag was left at the default.
type fileConfig struct {
	Mode              string        `yaml:"mode,omitempty"`
	EraseAppSettings  *bool         `yaml:"erase_app_settings,omitempty"`
	PipelineDepth     int           `yaml:"pipeline_depth,omitempty"`
	SwapTime          time.Duration `yaml:"swap_time,omitempty"`
	AllowDowngrade    bool          `yaml:"allow_downgrade,omitempty"`
	Images            []string      `yaml:"images,omitempty"`
	Transport         string        `yaml:"transport,omitempty"`
	SerialPort        string        `yaml:"serial_port,omitempty"`
	SSHHost           string        `yaml:"ssh_host,omitempty"`
	SSHUser           string        `yaml:"ssh_user,omitempty"`
	SSHKeyFile        string        `yaml:"ssh_key,omitempty"`
	SSHRemoteAddr     string        `yaml:"ssh_remote_addr,omitempty"`
}

// parseConfigFile reads and decodes a YAML config file, mirroring
// zph-mup's pkg/topology.ParseTopologyFile: read the whole file, then
// unmarshal it in one shot.
func parseConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return &cfg, nil
}

// applyFileConfig fills in any flag that was left at its zero/default
// value from the config file, letting an explicit flag always win.
func applyFileConfig(fc *fileConfig) {
	if fc == nil {
		return
	}
	if len(upgradeImagePaths) == 0 && len(fc.Images) > 0 {
		upgradeImagePaths = fc.Images
	}
	if upgradeMode == "confirm_only" && fc.Mode != "" {
		upgradeMode = fc.Mode
	}
	if upgradeEraseSettings && fc.EraseAppSettings != nil {
		upgradeEraseSettings = *fc.EraseAppSettings
	}
	if upgradePipelineDepth == 1 && fc.PipelineDepth != 0 {
		upgradePipelineDepth = fc.PipelineDepth
	}
	if upgradeSwapTime == 0 && fc.SwapTime != 0 {
		upgradeSwapTime = fc.SwapTime
	}
	if fc.AllowDowngrade {
		upgradeAllowDowngrade = true
	}
	if upgradeTransportKind == "simulated" && fc.Transport != "" {
		upgradeTransportKind = fc.Transport
	}
	if upgradeSerialPath == "/dev/ttyACM0" && fc.SerialPort != "" {
		upgradeSerialPath = fc.SerialPort
	}
	if upgradeSSHHost == "" && fc.SSHHost != "" {
		upgradeSSHHost = fc.SSHHost
	}
	if upgradeSSHUser == "" && fc.SSHUser != "" {
		upgradeSSHUser = fc.SSHUser
	}
	if upgradeSSHKeyFile == "" && fc.SSHKeyFile != "" {
		upgradeSSHKeyFile = fc.SSHKeyFile
	}
	if upgradeSSHRemote == "" && fc.SSHRemoteAddr != "" {
		upgradeSSHRemote = fc.SSHRemoteAddr
	}
}
