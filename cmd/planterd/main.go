// planterd is the background daemon that supervises planter cells, jobs,
// and PTY sessions.
//
// Usage:
//
//	planterd [--socket <path>] [--sandbox-mode disabled|permissive|enforced]
//
// The daemon listens on a Unix domain socket (default /tmp/planterd.sock)
// and handles requests from the planter CLI. The CLI does not start it;
// planterd must already be running before planter commands can succeed.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ianremillard/planter/internal/daemon"
	"github.com/ianremillard/planter/internal/sandbox"
	"gopkg.in/yaml.v3"
)

// fileConfig is the optional planterd.yaml overlay, read from the state
// root before flags are applied (spec: "registration plus overlay", the
// same layering loadProject/loadInRepoConfig use for grove.yaml).
type fileConfig struct {
	SandboxMode              string `yaml:"sandbox_mode"`
	WorkerIdleTimeoutMs      int    `yaml:"worker_idle_timeout_ms"`
	WorkerHandshakeTimeoutMs int    `yaml:"worker_handshake_timeout_ms"`
	WorkerPingIntervalMs     int    `yaml:"worker_ping_interval_ms"`
	ExecutorBinary           string `yaml:"executor_binary"`
}

// loadFileConfig reads <stateRoot>/planterd.yaml if present. A missing file
// is not an error; a malformed one is.
func loadFileConfig(stateRoot string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(filepath.Join(stateRoot, "planterd.yaml"))
	if os.IsNotExist(err) {
		return fc, nil
	}
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// defaultExecutorBinary resolves planter-executor as a sibling of the
// running planterd binary, falling back to a bare name looked up on PATH.
func defaultExecutorBinary() string {
	self, err := os.Executable()
	if err != nil {
		return "planter-executor"
	}
	sibling := filepath.Join(filepath.Dir(self), "planter-executor")
	if _, err := os.Stat(sibling); err == nil {
		return sibling
	}
	return "planter-executor"
}

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("planterd: cannot determine home directory: %v", err)
	}
	defaultStateDir := filepath.Join(homeDir, ".planter", "state")
	if env := os.Getenv("PLANTER_STATE_DIR"); env != "" {
		defaultStateDir = env
	}

	stateDir := flag.String("state-dir", defaultStateDir, "planterd state directory (env: PLANTER_STATE_DIR)")
	socketPath := flag.String("socket", "/tmp/planterd.sock", "control socket path")
	sandboxModeFlag := flag.String("sandbox-mode", "", "disabled|permissive|enforced (default from planterd.yaml, else permissive)")
	idleTimeoutMs := flag.Int("worker-idle-timeout-ms", 0, "idle worker eviction timeout, 0 uses the default")
	handshakeTimeoutMs := flag.Int("worker-handshake-timeout-ms", 0, "worker handshake timeout, 0 uses the default")
	pingIntervalMs := flag.Int("worker-ping-interval-ms", 0, "worker ping interval, stored in the worker manager config but not read by it; 0 uses the default")
	executorBinary := flag.String("executor-binary", "", "path to planter-executor, defaults to a sibling of planterd")
	flag.Parse()

	fc, err := loadFileConfig(*stateDir)
	if err != nil {
		log.Fatalf("planterd: load planterd.yaml: %v", err)
	}

	modeStr := *sandboxModeFlag
	if modeStr == "" {
		modeStr = fc.SandboxMode
	}
	if modeStr == "" {
		modeStr = string(sandbox.Permissive)
	}
	mode, ok := sandbox.ParseMode(modeStr)
	if !ok {
		log.Fatalf("planterd: invalid --sandbox-mode %q", modeStr)
	}

	cfg := daemon.Config{
		SandboxMode:            mode,
		WorkerHandshakeTimeout: durationFromMs(*handshakeTimeoutMs, fc.WorkerHandshakeTimeoutMs),
		WorkerIdleTimeout:      durationFromMs(*idleTimeoutMs, fc.WorkerIdleTimeoutMs),
		WorkerPingInterval:     durationFromMs(*pingIntervalMs, fc.WorkerPingIntervalMs),
		ExecutorBinary:         *executorBinary,
	}
	if cfg.ExecutorBinary == "" {
		cfg.ExecutorBinary = fc.ExecutorBinary
	}
	if cfg.ExecutorBinary == "" {
		cfg.ExecutorBinary = defaultExecutorBinary()
	}

	d, err := daemon.New(*stateDir, cfg)
	if err != nil {
		log.Fatalf("planterd: init: %v", err)
	}
	d.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("planterd: received %v, shutting down", sig)
		d.Close()
		os.Remove(*socketPath)
		os.Exit(0)
	}()

	if err := d.Serve(*socketPath); err != nil {
		log.Fatalf("planterd: serve: %v", err)
	}
}

// durationFromMs prefers flagMs when set (non-zero), then fileMs, then the
// zero value which tells daemon.New to keep workermgr's own default.
func durationFromMs(flagMs, fileMs int) time.Duration {
	if flagMs > 0 {
		return time.Duration(flagMs) * time.Millisecond
	}
	if fileMs > 0 {
		return time.Duration(fileMs) * time.Millisecond
	}
	return 0
}
