package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_c3loc._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the listener ingest port so gateways can find the server.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "c3loc"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("%s (%s)", a.cfg.MDNSInstance, hostname))
	txt := []string{
		fmt.Sprintf("ingest_port=%d", port),
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		fmt.Sprintf("max_frame=%d", a.cfg.MaxFrameSize),
		"proto=c3loc-v1",
		fmt.Sprintf("ssr=%t", len(a.cfg.SSRKey) > 0),
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// sanitizeMDNSInstance keeps an instance name within a single 63-byte DNS label.
func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "c3loc-ingest"
	}
	runes := []rune(cleaned)
	for len(string(runes)) > 63 {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}
