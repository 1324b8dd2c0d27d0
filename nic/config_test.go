package nic

import (
	"net"
	"testing"
	"time"

	"github.com/slackhq/r8139/config"
	"github.com/slackhq/r8139/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestNewConfigFromC(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
nic:
  name: eth-r8139
  mac: "52:54:00:aa:bb:cc"
  rx: false
  tx_ring: 2
  rx_buffer: 32K
  rx_budget: 16
  promiscuous: true
  reset_timeout: 50ms
  reset_poll_interval: 1ms
  tx_timeout: 0s
`))

	cfg, err := NewConfigFromC(c)
	require.NoError(t, err)
	assert.Equal(t, Config{
		Name:              "eth-r8139",
		MAC:               net.HardwareAddr{0x52, 0x54, 0, 0xaa, 0xbb, 0xcc},
		Tx:                true,
		Rx:                false,
		TxRing:            2,
		RxBuffer:          32 << 10,
		RxBudget:          16,
		AcceptBroadcast:   true,
		AcceptMulticast:   false,
		Promiscuous:       true,
		ResetTimeout:      50 * time.Millisecond,
		ResetPollInterval: time.Millisecond,
		TxTimeout:         0,
	}, cfg)

	// An empty config is the defaults.
	cfg, err = NewConfigFromC(config.NewC(l))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		containsErr string
	}{
		{"no name", func(c *Config) { c.Name = "" }, "nic.name"},
		{"multicast mac", func(c *Config) { c.MAC = net.HardwareAddr{1, 0, 0x5e, 0, 0, 1} }, "unicast"},
		{"tx ring not power of 2", func(c *Config) { c.TxRing = 3 }, "not a power of 2"},
		{"tx ring too large", func(c *Config) { c.TxRing = 8 }, "larger than the maximum"},
		{"rx buffer", func(c *Config) { c.RxBuffer = 4096 }, "nic.rx_buffer"},
		{"rx budget", func(c *Config) { c.RxBudget = 0 }, "nic.rx_budget"},
		{"reset timeout", func(c *Config) { c.ResetTimeout = 0 }, "nic.reset_timeout"},
		{"poll interval", func(c *Config) { c.ResetPollInterval = time.Second }, "nic.reset_poll_interval"},
		{"tx timeout", func(c *Config) { c.TxTimeout = -1 }, "nic.tx_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.containsErr)
		})
	}

	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString("nic:\n  mac: nope\n"))
	_, err := NewConfigFromC(c)
	assert.Error(t, err)
}
