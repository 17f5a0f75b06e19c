package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const legacyTunnelsFile = "ssh-tunnels.json"

// legacyTunnel is one entry of the pre-database ssh-tunnels.json file.
type legacyTunnel struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	RemoteHost       string `json:"remoteHost"`
	RemotePort       int    `json:"remotePort"`
	LocalPort        int    `json:"localPort"`
	LocalBindAddress string `json:"localBindAddress"`
	SSHUser          string `json:"sshUser"`
	SSHHost          string `json:"sshHost"`
	SSHPort          int    `json:"sshPort"`
	Author           string `json:"author"`
	Status           string `json:"status"`
}

// MigrateLegacyTunnels imports dataDir/ssh-tunnels.json into the tunnels table
// and renames the file to .backup. Legacy tunnels authenticated through the
// ssh agent. It returns the number of imported descriptors.
func (s *Store) MigrateLegacyTunnels(dataDir string) (int, error) {
	path := filepath.Join(dataDir, legacyTunnelsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", legacyTunnelsFile, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return 0, nil
	}

	var legacy []legacyTunnel
	if err := json.Unmarshal(data, &legacy); err != nil {
		return 0, fmt.Errorf("parse %s: %w", legacyTunnelsFile, err)
	}

	for _, lt := range legacy {
		t := Tunnel{
			ID:               lt.ID,
			Name:             lt.Name,
			Description:      lt.Description,
			LocalBindAddress: lt.LocalBindAddress,
			LocalPort:        lt.LocalPort,
			RemoteHost:       lt.RemoteHost,
			RemotePort:       lt.RemotePort,
			SSHHost:          lt.SSHHost,
			SSHPort:          lt.SSHPort,
			SSHUser:          lt.SSHUser,
			AuthMethod:       "agent",
			Author:           lt.Author,
			Status:           lt.Status,
		}
		if t.LocalBindAddress == "" {
			t.LocalBindAddress = "127.0.0.1"
		}
		if t.SSHPort == 0 {
			t.SSHPort = 22
		}
		if t.Status == "" {
			t.Status = TunnelStatusActive
		}
		if err := s.SaveTunnel(&t); err != nil {
			return 0, fmt.Errorf("import tunnel %s: %w", lt.ID, err)
		}
	}

	if err := os.Rename(path, path+".backup"); err != nil {
		return len(legacy), fmt.Errorf("rename %s: %w", legacyTunnelsFile, err)
	}
	return len(legacy), nil
}
