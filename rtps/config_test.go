package rtps

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "239.255.0.1", cfg.MulticastGroup)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
domain_id: 3
participant_id: 2
heartbeat_period: 250ms
nack_response_delay: 0s
lease_duration: 30s
max_message_size: 8192
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(3), cfg.DomainID)
	assert.Equal(t, 2, cfg.ParticipantID)
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatPeriod)
	assert.Zero(t, cfg.NackResponseDelay)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 8192, cfg.MaxMessageSize)
	// untouched fields keep their defaults
	assert.Equal(t, DefaultConfig().AnnouncePeriod, cfg.AnnouncePeriod)
	assert.Equal(t, DefaultConfig().InboundQueueSize, cfg.InboundQueueSize)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, "domain_id: [1, 2"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "heartbeat_period: -1s\nmax_message_size: 10\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_period")
	assert.Contains(t, err.Error(), "max_message_size")
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Config)
	}{
		{"announce period", func(c *Config) { c.AnnouncePeriod = 0 }},
		{"negative nack delay", func(c *Config) { c.NackResponseDelay = -time.Millisecond }},
		{"negative heartbeat delay", func(c *Config) { c.HeartbeatResponseDelay = -time.Millisecond }},
		{"inbound queue", func(c *Config) { c.InboundQueueSize = 0 }},
		{"message too large", func(c *Config) { c.MaxMessageSize = 70000 }},
		{"participant id", func(c *Config) { c.ParticipantID = maxParticipantID }},
		{"domain id", func(c *Config) { c.DomainID = 300 }},
		{"unicast group", func(c *Config) { c.MulticastGroup = "10.0.0.1" }},
		{"bad group", func(c *Config) { c.MulticastGroup = "nope" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig()
			c.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigPorts(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, uint32(7400), cfg.metaMulticastPort())
	assert.Equal(t, uint32(7401), cfg.userMulticastPort())
	assert.Equal(t, uint32(7410), cfg.metaUnicastPort(0))
	assert.Equal(t, uint32(7411), cfg.userUnicastPort(0))
	assert.Equal(t, uint32(7414), cfg.metaUnicastPort(2))
	assert.Equal(t, uint32(7415), cfg.userUnicastPort(2))

	cfg.DomainID = 1
	assert.Equal(t, uint32(7650), cfg.metaMulticastPort())
	assert.Equal(t, uint32(7661), cfg.userUnicastPort(0))
}

func TestConfigLocators(t *testing.T) {
	cfg := DefaultConfig()
	addr := netip.MustParseAddr("192.168.0.7")
	locs := cfg.locators(addr, 1)

	assert.Equal(t, []Locator{NewUDPv4Locator(addr, 7413)}, locs.DefaultUnicast)
	assert.Equal(t, []Locator{NewUDPv4Locator(addr, 7412)}, locs.MetaUnicast)
	assert.Equal(t, []Locator{NewUDPv4Locator(DefaultMulticastGroup, 7401)}, locs.DefaultMulticast)
	assert.Equal(t, []Locator{NewUDPv4Locator(DefaultMulticastGroup, 7400)}, locs.MetaMulticast)
}
