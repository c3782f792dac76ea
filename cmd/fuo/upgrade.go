package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jhaynes/fuo/pkg/client"
	"github.com/jhaynes/fuo/pkg/imageparser"
	"github.com/jhaynes/fuo/pkg/transport"
	"github.com/jhaynes/fuo/pkg/upgrade"
)

var (
	upgradeConfigFile     string
	upgradeImagePaths     []string
	upgradeMode           string
	upgradeEraseSettings  bool
	upgradePipelineDepth  int
	upgradeSwapTime       time.Duration
	upgradeAllowDowngrade bool

	upgradeTransportKind string
	upgradeSerialPath    string
	upgradeSSHHost       string
	upgradeSSHUser       string
	upgradeSSHKeyFile    string
	upgradeSSHRemote     string
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Run a firmware upgrade against a device",
	Long: `upgrade drives the orchestrator's upload/test/reset/confirm state machine
against one device, reading each --image from disk and logging progress
and the terminal outcome to stderr.`,
	RunE: runUpgrade,
}

func init() {
	rootCmd.AddCommand(upgradeCmd)

	upgradeCmd.Flags().StringVar(&upgradeConfigFile, "config", "", "YAML config file providing defaults for any flag below left unset")
	upgradeCmd.Flags().StringArrayVar(&upgradeImagePaths, "image", nil, "path to an image file; repeat for multiple slots, in slot order")
	upgradeCmd.Flags().StringVar(&upgradeMode, "mode", "confirm_only", "test_only | confirm_only | test_and_confirm")
	upgradeCmd.Flags().BoolVar(&upgradeEraseSettings, "erase-app-settings", true, "erase application settings after upload, before test/confirm")
	upgradeCmd.Flags().IntVar(&upgradePipelineDepth, "pipeline-depth", 1, "number of in-flight upload writes")
	upgradeCmd.Flags().DurationVar(&upgradeSwapTime, "swap-time", 0, "estimated device reboot duration, used to size the post-reset wait")
	upgradeCmd.Flags().BoolVar(&upgradeAllowDowngrade, "allow-downgrade", false, "permit installing an image whose manifest version is older than the device's running version")

	upgradeCmd.Flags().StringVar(&upgradeTransportKind, "transport", "simulated", "simulated | serial | ssh")
	upgradeCmd.Flags().StringVar(&upgradeSerialPath, "serial-port", "/dev/ttyACM0", "serial device path (--transport=serial)")
	upgradeCmd.Flags().StringVar(&upgradeSSHHost, "ssh-host", "", "gateway host (--transport=ssh)")
	upgradeCmd.Flags().StringVar(&upgradeSSHUser, "ssh-user", "", "gateway SSH user (--transport=ssh)")
	upgradeCmd.Flags().StringVar(&upgradeSSHKeyFile, "ssh-key", "", "gateway SSH private key file (--transport=ssh)")
	upgradeCmd.Flags().StringVar(&upgradeSSHRemote, "ssh-remote-addr", "", "device address reachable from the gateway (--transport=ssh)")
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	if upgradeConfigFile != "" {
		fc, err := parseConfigFile(upgradeConfigFile)
		if err != nil {
			return err
		}
		applyFileConfig(fc)
	}

	if len(upgradeImagePaths) == 0 {
		return fmt.Errorf("at least one --image is required")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	images := make(map[int][]byte, len(upgradeImagePaths))
	for i, path := range upgradeImagePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		images[i] = data
	}
	slates, err := imageparser.BuildSlates(images)
	if err != nil {
		return fmt.Errorf("parse images: %w", err)
	}

	tr, err := buildTransport()
	if err != nil {
		return err
	}

	cfg := upgrade.DefaultConfiguration()
	cfg.Mode = upgrade.Mode(upgradeMode)
	cfg.EraseAppSettings = upgradeEraseSettings
	cfg.PipelineDepth = upgradePipelineDepth
	cfg.EstimatedSwapTime = upgradeSwapTime
	cfg.AllowDowngrade = upgradeAllowDowngrade

	bootHash := sha256.Sum256([]byte("fuo-simulated-bootloader-image"))
	sim := client.NewSimulated(bootHash[:], "0.0.0")
	if st, ok := tr.(*transport.Simulated); ok {
		sim.SetAfterReset(st.SimulateReset)
	}

	done := make(chan error, 1)
	machine := upgrade.NewUpgradeStateMachine(upgrade.Collaborators{
		Transport:     tr,
		ImageClient:   sim,
		DefaultClient: sim,
		BasicClient:   sim,
		Delegate:      &cliDelegate{log: logger, done: done},
		Logger:        logger,
	}, cfg, slates)

	if err := machine.Start(context.Background()); err != nil {
		return err
	}

	return <-done
}

func buildTransport() (upgrade.Transport, error) {
	switch upgradeTransportKind {
	case "simulated":
		return transport.NewSimulated(50 * time.Millisecond), nil
	case "serial":
		return transport.NewSerial(transport.SerialConfig{Path: upgradeSerialPath}), nil
	case "ssh":
		if upgradeSSHHost == "" || upgradeSSHRemote == "" {
			return nil, fmt.Errorf("--ssh-host and --ssh-remote-addr are required for --transport=ssh")
		}
		return transport.NewSSHTunnel(transport.SSHTunnelConfig{
			Host:       upgradeSSHHost,
			User:       upgradeSSHUser,
			KeyFile:    upgradeSSHKeyFile,
			RemoteAddr: upgradeSSHRemote,
		}), nil
	default:
		return nil, fmt.Errorf("unknown --transport %q", upgradeTransportKind)
	}
}

// cliDelegate logs every upgrade.Delegate callback via zap and signals
// done exactly once, on whichever terminal callback fires first.
type cliDelegate struct {
	log  *zap.Logger
	done chan error
}

func (d *cliDelegate) UpgradeDidStart() { d.log.Info("upgrade started") }

func (d *cliDelegate) UpgradeStateDidChange(from, to string) {
	d.log.Info("state transition", zap.String("from", from), zap.String("to", to))
}

func (d *cliDelegate) UpgradeDidUploadImage(s *upgrade.ImageSlate) {
	d.log.Info("image uploaded", zap.Int("image", s.Index))
}

func (d *cliDelegate) UpgradeDidTestImage(s *upgrade.ImageSlate) {
	d.log.Info("image tested", zap.Int("image", s.Index))
}

func (d *cliDelegate) UpgradeDidConfirmImage(s *upgrade.ImageSlate) {
	d.log.Info("image confirmed", zap.Int("image", s.Index))
}

func (d *cliDelegate) UpgradeDidComplete() {
	d.log.Info("upgrade complete")
	d.done <- nil
}

func (d *cliDelegate) UpgradeDidFail(err error) {
	d.log.Error("upgrade failed", zap.Error(err))
	d.done <- err
}

func (d *cliDelegate) UpgradeDidCancel() {
	d.log.Warn("upgrade cancelled")
	d.done <- fmt.Errorf("upgrade cancelled")
}
