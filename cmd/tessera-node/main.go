// cmd/tessera-node/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tessera-mesh/tessera/internal/identity"
	"github.com/tessera-mesh/tessera/internal/overlay"
)

const statsInterval = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tessera-node <connect|disconnect|status>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "connect":
		cmdConnect()
	case "disconnect":
		cmdDisconnect()
	case "status":
		cmdStatus()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		fmt.Println("Usage: tessera-node <connect|disconnect|status>")
		os.Exit(1)
	}
}

func tesseraDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(home, ".tessera")
}

func parseFlag(args []string, name string) string {
	prefix := "--" + name
	for i, arg := range args {
		if arg == prefix && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, prefix+"=") {
			return strings.TrimPrefix(arg, prefix+"=")
		}
	}
	return ""
}

func parseBootstrapEndpoints(args []string) []string {
	raw := parseFlag(args, "bootstrap")
	if raw == "" {
		raw = os.Getenv("TESSERA_BOOTSTRAP")
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, ep := range strings.Split(raw, ",") {
		ep = strings.TrimSpace(ep)
		if ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

func hasFlag(args []string, name string) bool {
	prefix := "--" + name
	for _, arg := range args {
		if arg == prefix || strings.HasPrefix(arg, prefix+"=") {
			return true
		}
	}
	return false
}

type nodeStats struct {
	NodeID         string `json:"node_id"`
	RunID          string `json:"run_id"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	RoutingTable   int    `json:"routing_table_size"`
	NonRoutingSize int    `json:"non_routing_table_size"`
	ListenAddr     string `json:"listen_addr"`
	LocalAPIAddr   string `json:"local_api_addr"`
}

func cmdConnect() {
	dir := tesseraDir()
	pidFile := filepath.Join(dir, "node.pid")
	keyFile := filepath.Join(dir, "node.key")
	statsFile := filepath.Join(dir, "stats.json")

	if pidData, err := os.ReadFile(pidFile); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					fmt.Fprintf(os.Stderr, "Error: node already running (PID %d)\n", pid)
					os.Exit(1)
				}
			}
		}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: creating directories: %v\n", err)
		os.Exit(1)
	}

	cred, err := identity.LoadOrGenerate(keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading identity: %v\n", err)
		os.Exit(1)
	}

	listenAddr := parseFlag(os.Args[2:], "listen")
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}
	localAPIAddr := parseFlag(os.Args[2:], "local-api")
	if localAPIAddr == "" {
		localAPIAddr = "127.0.0.1:8080"
	}
	isVault := !hasFlag(os.Args[2:], "client")
	endpoints := parseBootstrapEndpoints(os.Args[2:])

	logger := log.New(os.Stdout, "tessera-node: ", log.LstdFlags)

	network := overlay.NewWebsocketAdaptor(cred.NodeID)
	if err := network.Listen(listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting overlay listener: %v\n", err)
		os.Exit(1)
	}

	cfg := overlay.DefaultConfig()
	cfg.ClientMode = !isVault

	node := overlay.NewNode(overlay.NodeConfig{
		Config:             cfg,
		Credential:         cred,
		Network:            network,
		Deliver:            deliverToStdout(logger),
		Logger:             logger,
		BootstrapEndpoints: endpoints,
		IsVault:            isVault,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	startErr := node.Start(ctx)
	cancel()
	if startErr != nil {
		fmt.Fprintf(os.Stderr, "Error: joining overlay: %v\n", startErr)
		network.Close() //nolint:errcheck
		os.Exit(1)
	}

	apiListener, err := net.Listen("tcp", localAPIAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting local API listener: %v\n", err)
		os.Exit(1)
	}
	apiServer := &http.Server{Handler: overlay.NewLocalAPI(node).Handler()}
	go apiServer.Serve(apiListener) //nolint:errcheck

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: writing PID file: %v\n", err)
		os.Exit(1)
	}

	startTime := time.Now()

	fmt.Printf("Joined overlay. Node ID: %s\n", node.ID().Hex())
	fmt.Printf("Overlay listening on %s\n", network.Addr())
	fmt.Printf("Local API listening on %s\n", apiListener.Addr().String())

	writeStats := func() {
		stats := nodeStats{
			NodeID:         node.ID().Hex(),
			RunID:          node.RunID(),
			UptimeSeconds:  int64(time.Since(startTime).Seconds()),
			RoutingTable:   node.RoutingTable().Size(),
			NonRoutingSize: node.NonRoutingTable().Size(),
			ListenAddr:     network.Addr(),
			LocalAPIAddr:   apiListener.Addr().String(),
		}
		data, _ := json.Marshal(stats)
		_ = os.WriteFile(statsFile, data, 0600)
	}

	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeStats()
			case <-statsDone:
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")

	close(statsDone)
	writeStats()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	apiServer.Shutdown(shutdownCtx) //nolint:errcheck
	shutdownCancel()

	if err := node.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	os.Remove(pidFile)

	fmt.Println("Left overlay.")
}

// deliverToStdout is the ApplicationDeliverer every connect session installs
// by default: it logs what arrived and, if the sender expects a reply,
// answers with an empty acknowledgment.
func deliverToStdout(logger *log.Logger) overlay.ApplicationDeliverer {
	return func(m *overlay.Message, reply func(data []byte)) {
		logger.Printf("application message from %s: %d bytes", m.SourceID.ShortHex(), len(m.Data))
		if reply != nil && m.Request {
			reply(nil)
		}
	}
}

func cmdDisconnect() {
	dir := tesseraDir()
	pidFile := filepath.Join(dir, "node.pid")

	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: no running node found (missing PID file)")
		os.Exit(1)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid PID file: %v\n", err)
		os.Exit(1)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: finding process %d: %v\n", pid, err)
		os.Exit(1)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Error: sending signal to process %d: %v\n", pid, err)
		os.Exit(1)
	}

	fmt.Println("Left overlay.")
}

func cmdStatus() {
	dir := tesseraDir()
	statsFile := filepath.Join(dir, "stats.json")

	data, err := os.ReadFile(statsFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: no stats available (node may not be running)")
		os.Exit(1)
	}

	var stats nodeStats
	if err := json.Unmarshal(data, &stats); err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading stats: %v\n", err)
		os.Exit(1)
	}

	pidFile := filepath.Join(dir, "node.pid")
	online := false
	if pidData, err := os.ReadFile(pidFile); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					online = true
				}
			}
		}
	}

	statusStr := "offline"
	if online {
		statusStr = "online"
	}

	fmt.Printf("Node ID:        %s\n", stats.NodeID)
	fmt.Printf("Run ID:         %s\n", stats.RunID)
	fmt.Printf("Status:         %s\n", statusStr)
	fmt.Printf("Uptime:         %s\n", formatDuration(time.Duration(stats.UptimeSeconds)*time.Second))
	fmt.Printf("Routing table:  %d peers\n", stats.RoutingTable)
	fmt.Printf("Non-routing:    %d peers\n", stats.NonRoutingSize)
	fmt.Printf("Overlay addr:   %s\n", stats.ListenAddr)
	fmt.Printf("Local API addr: %s\n", stats.LocalAPIAddr)
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
