package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// StartupConfig is the minimal key/value configuration the external process
// needs to run headless and accept the automation session.
type StartupConfig struct {
	Port         int
	RCONPort     int
	RCONPassword string
	LevelName    string
	MaxPlayers   int
}

// propertyMap renders the server.properties content. Offline mode and
// creative flight are required for the unattended automation client;
// everything else keeps generation deterministic and cheap.
func (c StartupConfig) propertyMap() map[string]string {
	level := c.LevelName
	if level == "" {
		level = "world"
	}
	max := c.MaxPlayers
	if max <= 0 {
		max = 1
	}
	return map[string]string{
		"server-port":      fmt.Sprintf("%d", c.Port),
		"level-name":       level,
		"online-mode":      "false",
		"enable-query":     "false",
		"enable-rcon":      "true",
		"rcon.port":        fmt.Sprintf("%d", c.RCONPort),
		"rcon.password":    c.RCONPassword,
		"max-players":      fmt.Sprintf("%d", max),
		"gamemode":         "creative",
		"force-gamemode":   "true",
		"allow-flight":     "true",
		"difficulty":       "peaceful",
		"spawn-protection": "0",
		"view-distance":    "8",
	}
}

// WriteStartupConfig writes server.properties and eula.txt into the working
// directory, overwriting what is there. Keys are sorted so reruns produce
// identical files.
func WriteStartupConfig(workDir string, cfg StartupConfig) error {
	props := cfg.propertyMap()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, props[k])
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("server: prepare %s: %w", workDir, err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "server.properties"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("server: write server.properties: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "eula.txt"), []byte("eula=true\n"), 0o644); err != nil {
		return fmt.Errorf("server: write eula.txt: %w", err)
	}
	return nil
}

// FreePort asks the kernel for an unused TCP port by binding port zero.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("server: find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
