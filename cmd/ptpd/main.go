/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/timetools/ptpd/daemon"
	"github.com/timetools/ptpd/engine"
	"github.com/timetools/ptpd/timestamp"
)

func main() {
	var config string
	var ifaces string
	var timestamptype string
	var loglevel string
	var pprofaddr string
	var dscp int
	var monitoringport int
	var uds string
	var freerunning bool
	var stepthreshold time.Duration
	var announcetimeout time.Duration

	flag.StringVar(&config, "config", "", "Path to a config file, flags override its values")
	flag.StringVar(&ifaces, "iface", "eth0", "Comma-separated list of interfaces to run ports on")
	flag.StringVar(&timestamptype, "timestamptype", string(timestamp.HW), fmt.Sprintf("Timestamp type. Can be: %s, %s", timestamp.HW, timestamp.SW))
	flag.StringVar(&loglevel, "loglevel", "info", "Set a log level. Can be: debug, info, warning, error")
	flag.StringVar(&pprofaddr, "pprofaddr", "", "host:port for the pprof to bind")
	flag.IntVar(&dscp, "dscp", 0, "DSCP for PTP packets, valid values are between 0-63")
	flag.IntVar(&monitoringport, "monitoringport", 8888, "Port to run monitoring server on, 0 disables")
	flag.StringVar(&uds, "uds", daemon.DefaultUDSPath, "Unix domain socket for status queries")
	flag.BoolVar(&freerunning, "freerunning", false, "Compute clock corrections without applying them")
	flag.DurationVar(&stepthreshold, "stepthreshold", 0, "Offset at which the clock is stepped instead of slewed")
	flag.DurationVar(&announcetimeout, "announcetimeout", engine.DefaultAnnounceReceiptTimeout, "How long a port listens before claiming the master role")
	flag.Parse()

	switch loglevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", loglevel)
	}

	c := daemon.DefaultConfig()
	if config != "" {
		fromFile, err := daemon.ReadConfig(config)
		if err != nil {
			log.Fatalf("Reading config: %v", err)
		}
		c = fromFile
	} else {
		c.MonitoringPort = monitoringport
	}
	// flags given explicitly override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "monitoringport":
			c.MonitoringPort = monitoringport
		case "iface":
			c.Ifaces = strings.Split(ifaces, ",")
		case "timestamptype":
			c.Timestamping = timestamp.Source(timestamptype)
		case "dscp":
			c.DSCP = dscp
		case "uds":
			c.UDSPath = uds
		case "freerunning":
			c.FreeRunning = freerunning
		case "stepthreshold":
			c.StepThreshold = stepthreshold
		case "announcetimeout":
			c.AnnounceReceiptTimeout = announcetimeout
		}
	})
	if len(c.Ifaces) == 0 {
		c.Ifaces = strings.Split(ifaces, ",")
	}

	if c.DSCP < 0 || c.DSCP > 63 {
		log.Fatalf("Unsupported DSCP value %v", c.DSCP)
	}
	if c.Timestamping == timestamp.SW {
		log.Warning("Software timestamps greatly reduce the precision")
	}
	if err := c.Validate(); err != nil {
		log.Fatalf("Bad configuration: %v", err)
	}

	if pprofaddr != "" {
		log.Warningf("Starting profiler on %s", pprofaddr)
		go func() {
			log.Println(http.ListenAndServe(pprofaddr, nil))
		}()
	}

	d, err := daemon.New(c, engine.ListeningFactory(c.AnnounceReceiptTimeout))
	if err != nil {
		log.Fatalf("Daemon setup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Warningf("Failed to notify systemd: %v", err)
	} else if ok {
		log.Debug("Notified systemd we are ready")
	}

	if err := d.Run(ctx); err != nil {
		log.Fatalf("Daemon run failed: %v", err)
	}
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
}
