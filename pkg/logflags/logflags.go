package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var qmpWire = false
var bridge = false
var qemu = false
var gdbWire = false
var any = false

var logOut io.WriteCloser

// textFormatterInstance is shared by every logger so that all layers
// render with the same timestamp and field layout.
var textFormatterInstance = &logrus.TextFormatter{
	FullTimestamp:    true,
	DisableColors:    true,
	QuoteEmptyFields: true,
}

func makeLogger(level logrus.Level, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Level = level
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	return logger.WithFields(fields)
}

func makeFlaggableLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	if !flag {
		return makeLogger(logrus.PanicLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// QMPWire returns true if the qmp package should log every message
// exchanged with QEMU.
func QMPWire() bool {
	return qmpWire
}

// QMPWireLogger returns a configured logger for the QMP wire protocol.
func QMPWireLogger() *logrus.Entry {
	return makeFlaggableLogger(qmpWire, logrus.Fields{"layer": "qmpwire"})
}

// Bridge returns true if the control bridge should log its lifecycle.
func Bridge() bool {
	return bridge
}

// BridgeLogger returns a logger for the control bridge.
func BridgeLogger() *logrus.Entry {
	return makeFlaggableLogger(bridge, logrus.Fields{"layer": "bridge"})
}

// QEMU returns true if the process controller should log.
func QEMU() bool {
	return qemu
}

// QEMULogger returns a logger for the process controller.
func QEMULogger() *logrus.Entry {
	return makeFlaggableLogger(qemu, logrus.Fields{"layer": "qemu"})
}

// GdbWire returns true if the gdbserial package should log all the packets
// exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdbserial wire protocol.
func GdbWireLogger() *logrus.Entry {
	return makeFlaggableLogger(gdbWire, logrus.Fields{"layer": "gdbconn"})
}

// Any returns true if any logging is enabled.
func Any() bool {
	return any
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "oro-dbg-logs")
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
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	any = true
	if logstr == "" {
		logstr = "qemu"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "qmpwire":
			qmpWire = true
		case "bridge":
			bridge = true
		case "qemu":
			qemu = true
		case "gdbwire":
			gdbWire = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'oro-dbg help log' for usage.\n", logcmd)
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
