// Package config assembles the daemon's own process configuration
// (TetheringConfigurationParcel plus the handful of process-level flags
// that aren't part of the stable parcel) from command-line flags, the way
// x-network/cmd/x-network/main.go's two-flag setup does, generalized to
// tethering's configuration surface and upgraded from the standard
// library's flag package to github.com/spf13/pflag for GNU-style long
// flags, matching the flag library malbeclabs-doublezero's command-line
// tooling uses.
package config

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/tethercore/tetherd/internal/parcel"
)

// Config is the full set of daemon-level settings: the stable
// TetheringConfigurationParcel plus process wiring (bus type, log level)
// that callers never see.
type Config struct {
	Parcel parcel.TetheringConfigurationParcel

	BusType        string
	LogLevel       string
	DispatcherQueue int
}

// Parse builds a Config from args (normally os.Args[1:]), following the
// same flag-set-then-Parse shape x-network/cmd/x-network/main.go uses.
func Parse(args []string) (Config, error) {
	fs := pflag.NewFlagSet("tetherd", pflag.ContinueOnError)

	usingLegacyDnsmasq := fs.Bool("legacy-dnsmasq", true, "run an in-process dnsmasq for downstream DHCP instead of delegating to netd's own server")
	dhcpRanges := fs.StringSlice("dhcp-range", []string{"192.168.42.10,192.168.42.250,12h"}, "dnsmasq --dhcp-range values, one per tethered subnet")
	defaultDNS := fs.StringSlice("default-dns", []string{"1.1.1.1", "8.8.8.8"}, "DNS forwarders used when the upstream network provides none")
	settleTime := fs.Duration("settle-time", 10*time.Second, "delay before retrying upstream selection after a failed attempt")
	busType := fs.String("bus", "system", "D-Bus bus to publish the service on: system or session")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	queueDepth := fs.Int("dispatcher-queue", 64, "buffered depth of the dispatcher's event queue")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		Parcel: parcel.TetheringConfigurationParcel{
			UsingLegacyDnsmasq: *usingLegacyDnsmasq,
			DhcpRanges:         *dhcpRanges,
			DefaultDnsServers:  *defaultDNS,
			SettleTime:         int(settleTime.Seconds()),
		},
		BusType:         *busType,
		LogLevel:        *logLevel,
		DispatcherQueue: *queueDepth,
	}, nil
}
