// Command agencyd runs one member of the agency: the replicated
// configuration store plus its supervision loop.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Rustmilian/arangodb-sub000/agency"
	"github.com/Rustmilian/arangodb-sub000/pkg/netutil"
	"github.com/Rustmilian/arangodb-sub000/pkg/osutil"
	"github.com/Rustmilian/arangodb-sub000/pkg/xlog"
	"github.com/Rustmilian/arangodb-sub000/raftlog"
)

var logger = xlog.NewLogger("agencyd", xlog.INFO)

func main() {
	configPath := flag.String("config", "agencyd.yaml", "path to the yaml configuration file")
	logLevel := flag.String("log-level", "info", "log verbosity: critical, error, warn, info, debug")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	lvl, err := xlog.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	xlog.SetGlobalMaxLogLevel(lvl)

	cfg, err := agency.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("agencyd: load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("agencyd: data dir: %v", err)
	}
	log, err := raftlog.OpenBoltStore(filepath.Join(cfg.DataDir, "agency.db"))
	if err != nil {
		return fmt.Errorf("agencyd: open log: %v", err)
	}

	agent, err := agency.NewAgent(cfg, log, nil)
	if err != nil {
		log.Close()
		return fmt.Errorf("agencyd: %v", err)
	}

	addr, err := listenAddr(cfg.Endpoint)
	if err != nil {
		return err
	}
	listener, err := netutil.NewKeepAliveListener(addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("agencyd: listen on %s: %v", addr, err)
	}

	server := &http.Server{Handler: agency.NewHTTPHandler(agent)}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("agent %x serving on %s", cfg.ID, addr)
		errc <- server.Serve(listener)
	}()

	agent.Run()
	// Learn endpoints that moved while this agent was down.
	go agent.GossipAll(5 * time.Second)

	osutil.RegisterInterruptHandler(func() {
		server.Close()
		agent.Stop()
	})
	go osutil.WaitForInterruptSignals(syscall.SIGINT, syscall.SIGTERM)

	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("agencyd: serve: %v", err)
	}
	return nil
}

// listenAddr derives the bind address from the configured endpoint.
func listenAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("agencyd: endpoint %q: %v", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("agencyd: endpoint %q has no host", endpoint)
	}
	return u.Host, nil
}
