package r8139

import (
	"flag"
	"fmt"
	"net"
	"os"
	"reflect"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/capture"
	"github.com/slackhq/r8139/config"
	"github.com/slackhq/r8139/sshd"
)

type sshStatsFlags struct {
	Json   bool
	Pretty bool
}

type sshRingsFlags struct {
	Json   bool
	Pretty bool
}

type sshCaptureFlags struct {
	SnapLen   int
	Direction string
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.Server, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

// configSSH reads the ssh info out of the passed-in Config and
// updates the passed-in SSHServer. On success, it returns a function
// that callers may invoke to run the configured ssh server. On
// failure, it returns nil, error.
func configSSH(l *logrus.Logger, ssh *sshd.Server, c *config.C) (func(), error) {
	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("sshd.listen must be provided")
	}

	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("invalid sshd.listen address: %s", err)
	}
	if port == "22" {
		return nil, fmt.Errorf("sshd.listen can not use port 22")
	}

	hostKeyFile := c.GetString("sshd.host_key", "")
	if hostKeyFile == "" {
		return nil, fmt.Errorf("sshd.host_key must be provided")
	}

	hostKeyBytes, err := os.ReadFile(hostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error while loading sshd.host_key file: %s", err)
	}

	err = ssh.SetHostKey(hostKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %s", err)
	}

	// Clear existing trusted keys so removed users lose access on reload
	ssh.ClearAuthorizedKeys()

	rawKeys := c.Get("sshd.authorized_users")
	keys, ok := rawKeys.([]any)
	if ok {
		for _, rk := range keys {
			kDef, ok := rk.(map[string]any)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user had an error, ignoring")
				continue
			}

			user, ok := kDef["user"].(string)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the user field")
				continue
			}

			k := kDef["keys"]
			switch v := k.(type) {
			case string:
				err := ssh.AddAuthorizedKey(user, v)
				if err != nil {
					l.WithError(err).WithField("sshKeyConfig", rk).WithField("sshKey", v).Warn("Failed to authorize key")
					continue
				}

			case []any:
				for _, subK := range v {
					sk, ok := subK.(string)
					if !ok {
						l.WithField("sshKeyConfig", rk).WithField("sshKey", subK).Warn("Did not understand ssh key")
						continue
					}

					err := ssh.AddAuthorizedKey(user, sk)
					if err != nil {
						l.WithError(err).WithField("sshKeyConfig", sk).Warn("Failed to authorize key")
						continue
					}
				}

			default:
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the keys field or was not understood")
			}
		}
	} else {
		l.Info("no ssh users to authorize")
	}

	var runner func()
	if c.GetBool("sshd.enabled", false) {
		ssh.Stop()
		runner = func() {
			if err := ssh.Run(listen); err != nil {
				l.WithField("err", err).Warn("Failed to run the SSH server")
			}
		}
	} else {
		ssh.Stop()
	}

	return runner, nil
}

func attachCommands(l *logrus.Logger, ssh *sshd.Server, ctrl *Control) {
	ssh.RegisterCommand(&sshd.Command{
		Name:             "stats",
		ShortDescription: "Prints the interface counters",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshStatsFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshStats(ctrl, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "state",
		ShortDescription: "Prints the device state, chip version and station address",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshState(ctrl, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "link",
		ShortDescription: "Prints the link state last reported by the phy",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			link := ctrl.Device().Link()
			return w.WriteLine(fmt.Sprintf("Link is %s, carrier: %v", link, ctrl.Device().Carrier()))
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "rings",
		ShortDescription: "Prints the transmit slots and receive cursor",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshRingsFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshRings(ctrl, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "capture-start",
		ShortDescription: "Starts writing frames crossing the interface to the provided pcap file",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshCaptureFlags{}
			fl.IntVar(&s.SnapLen, "snaplen", capture.DefaultSnapLen, "bytes of each frame to keep")
			fl.StringVar(&s.Direction, "dir", "both", "which frames to keep: in, out or both")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshCaptureStart(ctrl, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "capture-stop",
		ShortDescription: "Stops the running frame capture",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			if !ctrl.f.StopCapture() {
				return w.WriteLine("No capture was running")
			}
			return w.WriteLine("Capture stopped")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reload",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback:         sshReload,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start-cpu-profile",
		ShortDescription: "Starts a cpu profile and write output to the provided file",
		Callback:         sshStartCpuProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop-cpu-profile",
		ShortDescription: "Stops a cpu profile and writes output to the previously provided file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			pprof.StopCPUProfile()
			return w.WriteLine("If a CPU profile was running it is now stopped")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "save-heap-profile",
		ShortDescription: "Saves a heap profile to the provided path",
		Callback:         sshGetHeapProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-level",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-format",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "version",
		ShortDescription: "Prints the currently running version of r8139",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return w.WriteLine(ctrl.buildVersion)
		},
	})
}

func sshStats(ctrl *Control, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshStatsFlags)
	if !ok {
		return nil
	}

	counters := ctrl.Device().Stats()
	if fs.Json || fs.Pretty {
		m := map[string]uint64{}
		counters.Each(func(name string, v uint64) {
			m[name] = v
		})
		return w.WriteJSON(m, fs.Pretty)
	}

	var err error
	counters.Each(func(name string, v uint64) {
		if err == nil {
			err = w.WriteLine(fmt.Sprintf("%s: %d", name, v))
		}
	})
	return err
}

func sshState(ctrl *Control, w sshd.StringWriter) error {
	dev := ctrl.Device()
	lines := []string{
		fmt.Sprintf("device: %s", dev.Name()),
		fmt.Sprintf("state: %s", dev.State()),
		fmt.Sprintf("version: %s", dev.Version()),
		fmt.Sprintf("hwaddr: %s", dev.HardwareAddr()),
		fmt.Sprintf("interface: %s", ctrl.f.inside.Name()),
		fmt.Sprintf("capturing: %v", ctrl.f.Capturing()),
	}

	handled, spurious := ctrl.line.Counts()
	lines = append(lines, fmt.Sprintf("interrupts: %d handled, %d spurious", handled, spurious))

	return w.WriteLine(strings.Join(lines, "\n"))
}

func sshRings(ctrl *Control, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshRingsFlags)
	if !ok {
		return nil
	}

	rs := ctrl.Device().Rings()
	if fs.Json || fs.Pretty {
		slots := make([]string, len(rs.TxSlots))
		for i, s := range rs.TxSlots {
			slots[i] = s.String()
		}
		return w.WriteJSON(m{
			"txSize":       rs.TxSize,
			"txSubmission": rs.TxSubmission,
			"txCompletion": rs.TxCompletion,
			"txSlots":      slots,
			"rxCapacity":   rs.RxCapacity,
			"rxCursor":     rs.RxCursor,
		}, fs.Pretty)
	}

	if rs.TxSize == 0 && rs.RxCapacity == 0 {
		return w.WriteLine("Device is not up")
	}

	err := w.WriteLine(fmt.Sprintf("tx: %d slots, submission %d, completion %d", rs.TxSize, rs.TxSubmission, rs.TxCompletion))
	if err != nil {
		return err
	}
	for i, s := range rs.TxSlots {
		if err := w.WriteLine(fmt.Sprintf("  slot %d: %s", i, s)); err != nil {
			return err
		}
	}
	return w.WriteLine(fmt.Sprintf("rx: %d bytes, cursor %d", rs.RxCapacity, rs.RxCursor))
}

func sshCaptureStart(ctrl *Control, a any, args []string, w sshd.StringWriter) error {
	fs, ok := a.(*sshCaptureFlags)
	if !ok {
		return nil
	}

	if len(args) == 0 {
		return w.WriteLine("No path to write the capture to provided")
	}

	dirs, err := capture.ParseDirection(fs.Direction)
	if err != nil {
		return w.WriteLine(err.Error())
	}

	if err := ctrl.f.StartCapture(args[0], fs.SnapLen, dirs); err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to start capture: %s", err))
	}
	return w.WriteLine(fmt.Sprintf("Capturing %s frames to %s", dirs, args[0]))
}

func sshStartCpuProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		err := w.WriteLine("No path to write profile provided")
		return err
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}

	err = pprof.StartCPUProfile(file)
	if err != nil {
		file.Close()
		err = w.WriteLine(fmt.Sprintf("Unable to start cpu profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Started cpu profile, issue stop-cpu-profile to write the output to %s", a[0]))
	return err
}

func sshGetHeapProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}
	defer file.Close()

	err = pprof.WriteHeapProfile(file)
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to write profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Mem profile created at %s", a[0]))
	return err
}

func sshLogLevel(l *logrus.Logger, fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unknown log level %s. Possible log levels: %s", a, logrus.AllLevels))
	}

	l.SetLevel(level)
	return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
}

func sshLogFormat(l *logrus.Logger, fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
	}

	logFormat := strings.ToLower(a[0])
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
}

func sshReload(fs any, a []string, w sshd.StringWriter) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return w.WriteLine(err.Error())
	}
	err = p.Signal(syscall.SIGHUP)
	if err != nil {
		return w.WriteLine(err.Error())
	}
	return w.WriteLine("HUP sent")
}
