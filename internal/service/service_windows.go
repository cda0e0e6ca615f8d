//go:build windows

package service

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const serviceName = "nfc-agent"

type windowsService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &windowsService{}
}

func (s *windowsService) connect() (*mgr.Mgr, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service manager: %w", err)
	}
	return m, nil
}

func (s *windowsService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	m, err := s.connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	svcObj, err := m.CreateService(serviceName, execPath, mgr.Config{
		DisplayName: "NFC Agent",
		Description: "Local NFC card reader service for web applications",
		StartType:   mgr.StartAutomatic,
	}, "--no-tray")
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer svcObj.Close()

	if err := svcObj.Start(); err != nil {
		return fmt.Errorf("service created but failed to start: %w", err)
	}

	return nil
}

func (s *windowsService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	m, err := s.connect()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	svcObj, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer svcObj.Close()

	status, err := svcObj.Query()
	if err == nil && status.State != svc.Stopped {
		svcObj.Control(svc.Stop)
	}

	if err := svcObj.Delete(); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}

	return nil
}

func (s *windowsService) IsInstalled() bool {
	m, err := s.connect()
	if err != nil {
		return false
	}
	defer m.Disconnect()

	svcObj, err := m.OpenService(serviceName)
	if err != nil {
		return false
	}
	svcObj.Close()
	return true
}

func (s *windowsService) Status() (string, error) {
	m, err := s.connect()
	if err != nil {
		return "", err
	}
	defer m.Disconnect()

	svcObj, err := m.OpenService(serviceName)
	if err != nil {
		return "not installed", nil
	}
	defer svcObj.Close()

	status, err := svcObj.Query()
	if err != nil {
		return "", fmt.Errorf("failed to query service status: %w", err)
	}

	switch status.State {
	case svc.Running:
		return "running", nil
	case svc.Stopped:
		return "installed but not running", nil
	default:
		return "installed (transitioning)", nil
	}
}
