package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Bridge is the device debug bridge the controller drives
type Bridge interface {
	// Connect runs the handshake and returns its textual reply
	Connect(ctx context.Context, address string) (string, error)
	Disconnect(ctx context.Context, address string) error
	// Devices lists serials the bridge reports in the "device" state
	Devices(ctx context.Context) ([]string, error)
	KillServer(ctx context.Context) error
	StartServer(ctx context.Context) error
	Shell(ctx context.Context, address string, args ...string) (string, error)
}

// ADB runs the adb binary
type ADB struct {
	path string
}

func NewADB(path string) *ADB {
	return &ADB{path: path}
}

func (a *ADB) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (a *ADB) Connect(ctx context.Context, address string) (string, error) {
	return a.run(ctx, "connect", address)
}

func (a *ADB) Disconnect(ctx context.Context, address string) error {
	_, err := a.run(ctx, "disconnect", address)
	return err
}

func (a *ADB) Devices(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

func (a *ADB) KillServer(ctx context.Context) error {
	_, err := a.run(ctx, "kill-server")
	return err
}

func (a *ADB) StartServer(ctx context.Context) error {
	_, err := a.run(ctx, "start-server")
	return err
}

func (a *ADB) Shell(ctx context.Context, address string, args ...string) (string, error) {
	return a.run(ctx, append([]string{"-s", address, "shell"}, args...)...)
}

// parseDevices reads `adb devices` output, keeping only attached devices
func parseDevices(out string) []string {
	var serials []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials
}
