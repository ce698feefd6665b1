package browser

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestLaunchSkipsWhenCDPPortIsBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: port, ProfileDir: t.TempDir()})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatalf("expected launcher not to own a process when the port is busy")
	}
	l.Stop()
}

func TestDetectBrowserOverrideMissing(t *testing.T) {
	if _, err := detectBrowser("definitely-not-a-browser-binary"); err == nil {
		t.Fatalf("expected error for missing override binary")
	}
}

func TestNewLauncherDefaults(t *testing.T) {
	l := NewLauncher(Config{})
	if l.cfg.WindowSize == "" || l.cfg.StartURL != "about:blank" || l.cfg.ReadyTimeout != 15*time.Second {
		t.Fatalf("unexpected defaults %+v", l.cfg)
	}
}
