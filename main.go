package r8139

import (
	"context"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/capture"
	"github.com/slackhq/r8139/config"
	"github.com/slackhq/r8139/irq"
	"github.com/slackhq/r8139/nic"
	"github.com/slackhq/r8139/sshd"
	"github.com/slackhq/r8139/tap"
	"github.com/slackhq/r8139/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// restartSections are read once at startup and not reloaded.
var restartSections = []string{"nic", "backend", "irq", "tap"}

// Main builds a daemon from config. Nothing runs until Control.Start. A nil
// deviceFactory creates the host side device described by the tap section.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, deviceFactory tap.DeviceFactory) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	if deviceFactory == nil {
		deviceFactory = tap.NewDeviceFromConfig
	}

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	nicCfg, err := nic.NewConfigFromC(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Invalid nic configuration", err)
	}

	captureDirs, err := capture.ParseDirection(c.GetString("capture.direction", ""))
	if err != nil {
		return nil, util.NewContextualError("Invalid capture.direction", nil, err)
	}

	ssh := sshd.NewServer(l.WithField("subsystem", "sshd"))
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			return nil, util.ContextualizeIfNeeded("Error while configuring the sshd", err)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	trigger, err := irq.NewTriggerFromConfig(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to set up the interrupt trigger", err)
	}

	if configTest {
		trigger.Close()
		return nil, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// Everything below touches the host or the adapter
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	be, err := newBackendFromConfig(l, c)
	if err != nil {
		trigger.Close()
		return nil, util.ContextualizeIfNeeded("Failed to set up the adapter backend", err)
	}

	line := irq.NewLine(l, c.GetString("irq.name", nicCfg.Name), trigger)
	be.attach(line)

	dev, err := nic.New(l, be.bus, be.dma, nicCfg)
	if err != nil {
		line.Close()
		be.Close()
		return nil, util.ContextualizeIfNeeded("Failed to create the device", err)
	}

	// The host side device has to answer to the address the adapter filters on.
	mac := nicCfg.MAC
	if mac == nil {
		mac = be.stationAddress()
	}

	inside, err := deviceFactory(c, l, mac)
	if err != nil {
		line.Close()
		be.Close()
		return nil, util.ContextualizeIfNeeded("Failed to get a tap device", err)
	}

	ifce, err := NewInterface(&InterfaceConfig{
		Device:       dev,
		Inside:       inside,
		RetryTimeout: nicCfg.TxTimeout,
		l:            l,
	})
	if err != nil {
		inside.Close()
		line.Close()
		be.Close()
		return nil, fmt.Errorf("failed to initialize interface: %s", err)
	}

	if path := c.GetString("capture.path", ""); path != "" {
		snaplen := c.GetInt("capture.snaplen", capture.DefaultSnapLen)
		if err := ifce.StartCapture(path, snaplen, captureDirs); err != nil {
			ifce.Close()
			line.Close()
			be.Close()
			return nil, util.NewContextualError("Failed to start the frame capture", m{"path": path}, err)
		}
	}

	c.RegisterReloadCallback(ifce.reloadCapture)
	c.RegisterReloadCallback(func(c *config.C) {
		for _, k := range restartSections {
			if c.HasChanged(k) {
				l.WithField("section", k).Warn("Configuration changes in this section take effect on restart")
			}
		}
	})

	registerDeviceMetrics(metrics.DefaultRegistry, dev)

	ctrl := &Control{
		f:            ifce,
		dev:          dev,
		line:         line,
		backend:      be,
		l:            l,
		ctx:          ctx,
		cancel:       cancel,
		buildVersion: buildVersion,
		sshStart:     sshStart,
		sshStop:      ssh.Stop,
		statsStart:   statsStart,
	}
	attachCommands(l, ssh, ctrl)

	return ctrl, nil
}
