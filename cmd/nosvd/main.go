// Command nosvd hosts one coordination region and serves attach,
// detach, topology, and telemetry requests to nosvctl and pkg/nosv
// clients over a Unix domain socket (spec.md §3 "Shared coordination
// region", grounded on cmd/perflock/daemon.go's doDaemon).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/aclements/nosv/internal/config"
	"github.com/aclements/nosv/internal/topology"
)

func main() {
	flagSocket := flag.String("socket", "/var/run/nosvd.socket", "listen on socket `path`")
	flagDir := flag.String("dir", "/dev/shm", "directory for the region's persisted marker file")
	flagVerbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	if *flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid built-in configuration:", err)
		os.Exit(1)
	}

	d := newDaemon(*flagDir, cfg, topology.NewPlatform())

	path := *flagSocket
	isAbstractSocket := runtime.GOOS == "linux" && len(path) > 1 && path[0] == '@'
	if !isAbstractSocket {
		os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		logrus.WithError(err).Fatal("listen")
	}
	defer l.Close()
	if !isAbstractSocket {
		if err := os.Chmod(path, 0777); err != nil {
			logrus.WithError(err).Fatal("chmod socket")
		}
	}

	logrus.WithField("socket", path).Info("nosvd listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			logrus.WithError(err).Fatal("accept")
		}
		go serveConn(d, conn)
	}
}
