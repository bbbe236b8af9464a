package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var inject = false
var kvm = false
var device = false
var attach = false
var watchdog = true

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else if colorOut != nil {
		logger.Logger.Out = colorOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Inject returns true if the syscall injection engine should log.
func Inject() bool {
	return inject
}

// InjectLogger returns a logger for the syscall injection engine.
func InjectLogger() Logger {
	return makeFlaggableLogger(inject, Fields{"layer": "inject"})
}

// KVM returns true if the hypervisor layer should log.
func KVM() bool {
	return kvm
}

// KVMLogger returns a logger for the hypervisor layer, including the
// MMIO interception loop.
func KVMLogger() Logger {
	return makeFlaggableLogger(kvm, Fields{"layer": "kvm"})
}

// Device returns true if the emulated device should log register accesses.
func Device() bool {
	return device
}

// DeviceLogger returns a logger for the emulated device.
func DeviceLogger() Logger {
	return makeFlaggableLogger(device, Fields{"layer": "device"})
}

// Attach returns true if the attach orchestrator should log.
func Attach() bool {
	return attach
}

// AttachLogger returns a logger for the attach orchestrator.
func AttachLogger() Logger {
	return makeFlaggableLogger(attach, Fields{"layer": "attach"})
}

// WatchdogLogger returns a logger for the device watchdog. The watchdog
// reports at info level, so it is enabled unless explicitly excluded.
func WatchdogLogger() Logger {
	if !watchdog {
		return makeLogger(logrus.ErrorLevel, Fields{"layer": "watchdog"})
	}
	return makeLogger(logrus.InfoLevel, Fields{"layer": "watchdog"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "vmattach-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut == nil && isatty.IsTerminal(os.Stderr.Fd()) {
		colorOut = colorable.NewColorable(os.Stderr)
		textFormatterInstance.ForceColors = true
	}
	if logstr == "" {
		logstr = "attach"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "inject":
			inject = true
		case "kvm":
			kvm = true
		case "device":
			device = true
		case "attach":
			attach = true
		case "nowatchdog":
			watchdog = false
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'vmattach help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
