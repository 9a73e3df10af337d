// Command netifd is the network interface configuration daemon: it
// reconciles every kernel network device toward the desired state declared
// by the active policy store, acquiring and renewing addresses through the
// appropriate configuration engine for each device.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kardianos/service"

	"github.com/nicksinger/wicked/internal/version"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/netifd.yaml", "path to the daemon configuration file")
		action     = flag.String("service", "", "service control action: install, uninstall, start, stop")
	)
	flag.Parse()

	svcConfig := &service.Config{
		Name:        "netifd",
		DisplayName: "Network Interface Daemon",
		Description: "Reconciles kernel network devices toward their declared desired state.",
		Arguments:   []string{"-config", *configPath},
	}

	prg := &program{configPath: *configPath}
	svc, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netifd: creating service wrapper: %v\n", err)
		os.Exit(1)
	}

	if *action != "" {
		if err := service.Control(svc, *action); err != nil {
			fmt.Fprintf(os.Stderr, "netifd: %s: %v\n", *action, err)
			os.Exit(1)
		}
		return
	}

	baseLogger := slog.Default()
	baseLogger.Info("starting netifd", "version", version.Version(), "pid", os.Getpid())

	if err := svc.Run(); err != nil {
		baseLogger.Error("service run exited with error", "err", err)
		os.Exit(1)
	}
}
