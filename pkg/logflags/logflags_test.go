package logflags

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.DebugLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, level)
		}
		if len(fields) != 1 || fields["layer"] != "inject" {
			t.Fatalf("expected fields to be {'layer':'inject'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeFlaggableLogger(true, Fields{"layer": "inject"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger(t *testing.T) {
	for _, tc := range []struct {
		flag  bool
		level logrus.Level
	}{
		{false, logrus.ErrorLevel},
		{true, logrus.DebugLevel},
	} {
		actual := makeFlaggableLogger(tc.flag, Fields{"foo": "bar"})
		actualEntry, expectedType := actual.(*logrusLogger)
		if !expectedType {
			t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
		}
		if actualEntry.Entry.Logger.Level != tc.level {
			t.Fatalf("flag %v: expected level to be <%v>; but was <%v>", tc.flag, tc.level, actualEntry.Logger.Level)
		}
		if actualEntry.Entry.Logger.Formatter != textFormatterInstance {
			t.Fatalf("expected formatter to be <%v>; but was <%v>", textFormatterInstance, actualEntry.Logger.Formatter)
		}
		if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
			t.Fatalf("expected actualEntry.Entry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
		}
	}
}

func TestWatchdogLoggerWritesInfo(t *testing.T) {
	buf := &bufferWriter{}
	logOut = buf
	defer func() {
		logOut = nil
	}()

	WatchdogLogger().Infof("dev status b%b", 0xf)
	if !strings.Contains(buf.String(), "dev status b1111") {
		t.Fatalf("expected watchdog output to contain the status line; but was <%s>", buf.String())
	}
	if !strings.Contains(buf.String(), "layer=watchdog") {
		t.Fatalf("expected watchdog output to carry layer field; but was <%s>", buf.String())
	}
}

func TestSetupRejectsOutputWithoutLog(t *testing.T) {
	if err := Setup(false, "inject", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected <%v>; but was <%v>", errLogstrWithoutLog, err)
	}
}

func TestSetupEnablesLayers(t *testing.T) {
	defer func() {
		inject, kvm, device, attach, watchdog = false, false, false, false, true
	}()
	if err := Setup(true, "inject,kvm,nowatchdog", ""); err != nil {
		t.Fatal(err)
	}
	if !Inject() || !KVM() {
		t.Fatalf("expected inject and kvm to be enabled")
	}
	if Device() || Attach() {
		t.Fatalf("expected device and attach to stay disabled")
	}
	if watchdog {
		t.Fatalf("expected watchdog to be disabled")
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}
