//go:build e2e

// Package e2e drives the built fuo binary as a black box, the way
// zph-mup/test/e2e exercises the mup binary end to end.
package e2e

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jhaynes/fuo/test/e2e/testutil"
)

// TestUpgrade_SimulatedTestAndConfirm runs a full upload/test/reset/
// reconnect/confirm cycle against --transport=simulated and asserts the
// terminal outcome, mirroring zph-mup/test/e2e's local_deploy_test.go
// shape (build the binary once, run it, assert on stdout/stderr/exit).
func TestUpgrade_SimulatedTestAndConfirm(t *testing.T) {
	imagePath := writeTempImage(t, "fake-firmware-bytes-v1")

	result := testutil.RunCommand(t, "upgrade",
		"--transport", "simulated",
		"--image", imagePath,
		"--mode", "test_and_confirm",
	)

	testutil.AssertSuccess(t, result)
	testutil.AssertStderrContains(t, result, "upgrade complete")
}

// TestUpgrade_SimulatedConfirmOnly exercises the ConfirmOnly path, which
// skips the test phase and confirms directly after upload.
func TestUpgrade_SimulatedConfirmOnly(t *testing.T) {
	imagePath := writeTempImage(t, "fake-firmware-bytes-v2")

	result := testutil.RunCommand(t, "upgrade",
		"--transport", "simulated",
		"--image", imagePath,
		"--mode", "confirm_only",
	)

	testutil.AssertSuccess(t, result)
	testutil.AssertStderrContains(t, result, "upgrade complete")
}

// TestUpgrade_MissingImageFails exercises the CLI's own input validation,
// independent of the state machine.
func TestUpgrade_MissingImageFails(t *testing.T) {
	result := testutil.RunCommand(t, "upgrade", "--transport", "simulated")
	if result.Success() {
		t.Fatalf("expected failure with no --image, got exit 0\nstdout:\n%s", result.Stdout)
	}
}

func writeTempImage(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.bin")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path
}
