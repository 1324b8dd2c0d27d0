package nic

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/slackhq/r8139/config"
	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/ring"
)

// Config is the static configuration of a Device.
type Config struct {
	Name string

	// MAC is programmed into the station address registers on Open. When
	// nil the address the adapter loaded from its eeprom is kept.
	MAC net.HardwareAddr

	Tx bool
	Rx bool

	TxRing   int
	RxBuffer int
	RxBudget int

	AcceptBroadcast bool
	AcceptMulticast bool
	Promiscuous     bool

	ResetTimeout      time.Duration
	ResetPollInterval time.Duration

	// TxTimeout is how long transmit slots may sit in flight without any of
	// them completing before the stall is reported. Zero disables the
	// transmit watchdog.
	TxTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:              "r8139",
		Tx:                true,
		Rx:                true,
		TxRing:            hw.TxSlots,
		RxBuffer:          16 << 10,
		RxBudget:          ring.DefaultBudget,
		AcceptBroadcast:   true,
		ResetTimeout:      100 * time.Millisecond,
		ResetPollInterval: 10 * time.Microsecond,
		TxTimeout:         time.Second,
	}
}

// NewConfigFromC reads the nic section of c on top of DefaultConfig.
func NewConfigFromC(c *config.C) (Config, error) {
	d := DefaultConfig()

	mac, err := c.GetHardwareAddr("nic.mac", nil)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Name:              c.GetString("nic.name", d.Name),
		MAC:               mac,
		Tx:                c.GetBool("nic.tx", d.Tx),
		Rx:                c.GetBool("nic.rx", d.Rx),
		TxRing:            c.GetInt("nic.tx_ring", d.TxRing),
		RxBuffer:          c.GetByteSize("nic.rx_buffer", d.RxBuffer),
		RxBudget:          c.GetInt("nic.rx_budget", d.RxBudget),
		AcceptBroadcast:   c.GetBool("nic.accept_broadcast", d.AcceptBroadcast),
		AcceptMulticast:   c.GetBool("nic.accept_multicast", d.AcceptMulticast),
		Promiscuous:       c.GetBool("nic.promiscuous", d.Promiscuous),
		ResetTimeout:      c.GetDuration("nic.reset_timeout", d.ResetTimeout),
		ResetPollInterval: c.GetDuration("nic.reset_poll_interval", d.ResetPollInterval),
		TxTimeout:         c.GetDuration("nic.tx_timeout", d.TxTimeout),
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("nic.name must not be empty"))
	}
	if c.MAC != nil && (len(c.MAC) != 6 || c.MAC[0]&1 != 0) {
		errs = append(errs, fmt.Errorf("nic.mac %s is not a unicast ethernet address", c.MAC))
	}
	if err := ring.CheckSize(c.TxRing, hw.TxSlots); err != nil {
		errs = append(errs, fmt.Errorf("nic.tx_ring: %w", err))
	}
	if _, err := hw.RxBufferLength(c.RxBuffer); err != nil {
		errs = append(errs, fmt.Errorf("nic.rx_buffer: %w", err))
	}
	if c.RxBudget <= 0 {
		errs = append(errs, fmt.Errorf("nic.rx_budget must be positive, got %d", c.RxBudget))
	}
	if c.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("nic.reset_timeout must be positive, got %v", c.ResetTimeout))
	}
	if c.ResetPollInterval <= 0 || c.ResetPollInterval > c.ResetTimeout {
		errs = append(errs, fmt.Errorf("nic.reset_poll_interval %v must be positive and below nic.reset_timeout", c.ResetPollInterval))
	}
	if c.TxTimeout < 0 {
		errs = append(errs, fmt.Errorf("nic.tx_timeout must not be negative, got %v", c.TxTimeout))
	}

	return errors.Join(errs...)
}
