package main

import (
	"crypto/rand"
	"encoding/base32"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/ricochet-irc/gateway/backend/local"
	"github.com/ricochet-irc/gateway/gateway"
	"github.com/ricochet-irc/gateway/irc/config"
)

func main() {
	configPath := flag.String("config", "", "configuration file (yaml, toml or json)")
	listen := flag.String("listen", "", "IRC bind address override (host:port)")
	dataFile := flag.String("data", "", "SQLite data file override")
	statusAddr := flag.String("status", "", "status HTTP bind address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(cfg, *listen, *dataFile, *statusAddr)

	if cfg.IRC.Password == "" && cfg.IRC.GeneratePassword {
		cfg.IRC.Password = randomPassword()
	}

	store, err := local.Open(cfg.Backend.DataFile)
	if err != nil {
		log.Fatalf("Failed to open data file: %v", err)
	}
	defer store.Close()

	id, err := store.Identity()
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	log.Printf("Gateway identity: %s", id)

	g := gateway.New(cfg, store)
	if err := g.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	addr := g.Server().Addr()
	log.Printf("IRC server listening on %s", addr)
	log.Printf("You can now connect your IRC client, e.g.:")
	log.Printf("    weechat -t -r '/server add ricochet %s/%d -password=%s -notls;/connect ricochet'",
		cfg.IRC.Host, tcpPort(addr, cfg.IRC.Port), cfg.IRC.Password)

	var status *gateway.StatusServer
	if cfg.Status.Enabled {
		status = gateway.NewStatusServer(g)
		go func() {
			log.Printf("Status server listening on %s", cfg.StatusAddress())
			if err := status.Start(cfg.StatusAddress()); err != nil {
				log.Printf("Status server stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := cfg.Reload(); err != nil {
				log.Printf("Configuration reload failed: %v", err)
			} else {
				log.Printf("Configuration reloaded; listener settings apply on restart")
			}
			continue
		}
		break
	}
	log.Println("Shutdown signal received, stopping gateway...")

	if status != nil {
		status.Close()
	}
	g.Stop()
	log.Println("Gateway stopped. Goodbye!")
}

// applyFlags lets command-line flags win over file and environment values.
func applyFlags(cfg *config.Config, listen, dataFile, statusAddr string) {
	if listen != "" {
		if host, port, err := net.SplitHostPort(listen); err == nil {
			cfg.IRC.Host = host
			if n, err := strconv.Atoi(port); err == nil {
				cfg.IRC.Port = n
			}
		} else {
			log.Fatalf("Invalid -listen address %q", listen)
		}
	}
	if dataFile != "" {
		cfg.Backend.DataFile = dataFile
	}
	if statusAddr != "" {
		if host, port, err := net.SplitHostPort(statusAddr); err == nil {
			cfg.Status.Enabled = true
			cfg.Status.Host = host
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Status.Port = n
			}
		} else {
			log.Fatalf("Invalid -status address %q", statusAddr)
		}
	}
}

// tcpPort extracts the bound port, falling back to the configured one.
func tcpPort(addr net.Addr, fallback int) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return fallback
}

// randomPassword generates the session password printed in the connect hint.
func randomPassword() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("Failed to generate password: %v", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf))
}
