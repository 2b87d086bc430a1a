// cmd/vesper-agent/main.go
//
// vesper-agent is a single-node peer-messaging agent daemon. It binds a
// network identity derived from a persistent Ed25519 key, serves the agent
// and blob protocols to peers, and is driven by an external controller via
// line-delimited JSON commands on stdin, answering on stdout.
//
// Usage:
//
//	vesper-agent start [--port 0] [--data-dir D] [--mem-blobs] [--peer id@host:port]
//	vesper-agent setup [--data-dir D]
//	vesper-agent id [--data-dir D]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ssd-technologies/vesper/internal/agent"
	"github.com/ssd-technologies/vesper/internal/blob"
	"github.com/ssd-technologies/vesper/internal/bridge"
	"github.com/ssd-technologies/vesper/internal/identity"
	"github.com/ssd-technologies/vesper/internal/transport"
)

func main() {
	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "setup":
		cmdSetup(os.Args[2:])
	case "id":
		cmdID(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: vesper-agent <command> [flags]

Commands:
  start   Start the agent daemon and read commands from stdin
  setup   Generate the agent identity without starting
  id      Print the local agent identity

Run 'vesper-agent <command> --help' for details on each command.
`)
}

// resolveDataDir returns the data directory, using the explicit path if
// provided, otherwise defaulting to ~/.vesper/agent.
func resolveDataDir(explicit string) string {
	if explicit != "" {
		return explicit
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Cannot determine home directory: %v", err)
	}
	return filepath.Join(home, ".vesper", "agent")
}

// ensureDataDir creates the data directory if it does not exist.
func ensureDataDir(explicit string) string {
	dir := resolveDataDir(explicit)
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}
	return dir
}

type peerList []string

func (p *peerList) String() string     { return strings.Join(*p, ",") }
func (p *peerList) Set(v string) error { *p = append(*p, v); return nil }

// cmdStart runs the daemon: key load, endpoint bind, actor spawn, protocol
// registration, then the stdin command loop until shutdown or a signal.
func cmdStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	port := fs.Int("port", 0, "P2P listen port (0 = random)")
	dataDir := fs.String("data-dir", "", "data directory (default ~/.vesper/agent)")
	memBlobs := fs.Bool("mem-blobs", false, "keep shared content in memory instead of SQLite")
	var peers peerList
	fs.Var(&peers, "peer", "known peer as id@host:port (repeatable)")
	fs.Parse(args)

	dir := ensureDataDir(*dataDir)

	pub, priv, err := identity.LoadOrCreateKey(
		filepath.Join(dir, "agent.key"),
		os.Getenv("VESPER_KEY_PASSPHRASE"),
	)
	if err != nil {
		log.Fatalf("Load agent key: %v", err)
	}
	agentID := identity.FromPublicKey(pub)
	log.Printf("[daemon] agent identity %s", agentID)

	endpoint := transport.NewEndpoint(agentID, pub, priv)
	if err := endpoint.Listen(*port); err != nil {
		log.Fatalf("Bind endpoint: %v", err)
	}
	defer endpoint.Close()
	log.Printf("[daemon] listening on %s", endpoint.Addr())

	var store blob.Store
	if *memBlobs {
		store = blob.NewMemStore()
	} else {
		store, err = blob.NewSQLiteStore(filepath.Join(dir, "blobs.db"))
		if err != nil {
			log.Fatalf("Open blob store: %v", err)
		}
	}
	defer store.Close()

	emitter := bridge.NewEmitter(os.Stdout)
	local := agent.NewLocalFacade(agentID, emitter.EmitEvent)
	defer local.Close()

	handler, err := local.ProtocolHandler()
	if err != nil {
		log.Fatalf("Agent protocol handler: %v", err)
	}
	endpoint.Handle(agent.ProtocolID, handler)
	endpoint.Handle(blob.ProtocolID, blob.NewProtocolHandler(store))

	// Seed the address book with explicitly known peers.
	for _, p := range peers {
		id, addr, err := identity.ParseAddr(p)
		if err != nil || addr == "" {
			log.Fatalf("Invalid --peer %q: want id@host:port", p)
		}
		endpoint.SetAddr(id, addr)
	}

	cache := agent.NewClientCache(endpoint)
	b := bridge.New(local, cache, endpoint, store, emitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[daemon] signal received, shutting down")
		cancel()
		os.Stdin.Close()
	}()

	if err := b.Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		log.Printf("[daemon] command loop error: %v", err)
	}
	log.Printf("[daemon] exiting")
}

// cmdSetup generates (or loads) the agent key and reports the identity.
func cmdSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "data directory (default ~/.vesper/agent)")
	fs.Parse(args)

	dir := ensureDataDir(*dataDir)
	pub, _, err := identity.LoadOrCreateKey(
		filepath.Join(dir, "agent.key"),
		os.Getenv("VESPER_KEY_PASSPHRASE"),
	)
	if err != nil {
		log.Fatalf("Create agent key: %v", err)
	}

	fmt.Printf("Agent identity created\n")
	fmt.Printf("  ID:       %s\n", identity.FromPublicKey(pub))
	fmt.Printf("  Key file: %s\n", filepath.Join(dir, "agent.key"))
}

// cmdID prints the local agent identity, generating a key if none exists.
func cmdID(args []string) {
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "data directory (default ~/.vesper/agent)")
	fs.Parse(args)

	dir := ensureDataDir(*dataDir)
	pub, _, err := identity.LoadOrCreateKey(
		filepath.Join(dir, "agent.key"),
		os.Getenv("VESPER_KEY_PASSPHRASE"),
	)
	if err != nil {
		log.Fatalf("Load agent key: %v", err)
	}
	fmt.Println(identity.FromPublicKey(pub))
}
