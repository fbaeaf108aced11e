package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/netaudio/internal/assert"
	"github.com/companyzero/netaudio/receiver"
)

// TestLoadConfigDefaults checks an empty command line yields a receiver
// with the documented defaults.
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	assert.NilErr(t, err)
	assert.BoolIs(t, cfg.isSender(), false)
	assert.DeepEqual(t, cfg.ListenAddr.Port, 14785)
	assert.DeepEqual(t, cfg.PacketSize, 972)
	assert.DeepEqual(t, cfg.RingCap, 8192)
	assert.DeepEqual(t, cfg.Prefill, 1920)
	assert.DeepEqual(t, cfg.FillPolicy, receiver.FillSilence)
	assert.DeepEqual(t, cfg.Window, 32)
	assert.DeepEqual(t, cfg.FlushTimeout, 20*time.Millisecond)
	assert.DeepEqual(t, cfg.StallTolerance, 50*time.Millisecond)
	assert.DeepEqual(t, cfg.SessionTimeout, 5*time.Second)
	assert.DeepEqual(t, cfg.StatsInterval, 10*time.Second)
	assert.BoolIs(t, cfg.Opus, false)
}

// TestLoadConfigSenderRole checks --sendto flips the process into the
// sender role.
func TestLoadConfigSenderRole(t *testing.T) {
	cfg, err := loadConfig([]string{
		"--sendto", "127.0.0.1:14785",
		"--codec", "opus",
		"--flushtimeout", "5ms",
	})
	assert.NilErr(t, err)
	assert.BoolIs(t, cfg.isSender(), true)
	assert.DeepEqual(t, cfg.SendAddr.String(), "127.0.0.1:14785")
	assert.BoolIs(t, cfg.Opus, true)
	assert.DeepEqual(t, cfg.FlushTimeout, 5*time.Millisecond)
}

// TestLoadConfigErrors checks bad flag values abort startup.
func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig([]string{"--codec", "mp3"})
	assert.NonNilErr(t, err)

	_, err = loadConfig([]string{"--fillpolicy", "loop"})
	assert.NonNilErr(t, err)

	_, err = loadConfig([]string{"--stalltolerance", "never"})
	assert.NonNilErr(t, err)

	_, err = loadConfig([]string{"--listen", ""})
	assert.NonNilErr(t, err)

	_, err = loadConfig([]string{"--sendto", "not a host:not a port"})
	assert.NonNilErr(t, err)

	_, err = loadConfig([]string{"--cfg", filepath.Join(t.TempDir(), "missing.conf")})
	assert.NonNilErr(t, err)
}

// TestLoadConfigFile checks file settings apply and CLI flags win over
// them.
func TestLoadConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "netaudio.conf")
	content := "prefill=960\ncodec=opus\n"
	assert.NilErr(t, os.WriteFile(cfgPath, []byte(content), 0600))

	cfg, err := loadConfig([]string{"--cfg", cfgPath})
	assert.NilErr(t, err)
	assert.DeepEqual(t, cfg.Prefill, 960)
	assert.BoolIs(t, cfg.Opus, true)

	cfg, err = loadConfig([]string{"--cfg", cfgPath, "--codec", "raw"})
	assert.NilErr(t, err)
	assert.BoolIs(t, cfg.Opus, false)
	assert.DeepEqual(t, cfg.Prefill, 960)
}
