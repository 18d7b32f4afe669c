// Command server runs the chat relay: the UDP relay, the name query
// service and the WebSocket bridge.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/awnumar/memguard"

	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/distributor"
	"github.com/aeolun/mchat/pkg/server"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.mchat/config.toml", "Path to config file")
	keyFile := flag.String("key", "", "Key file (overrides config)")
	genKey := flag.String("genkey", "", "Generate a new key file at this path and exit")
	debug := flag.Bool("debug", false, "Write debug logging to debug.log")
	console := flag.Bool("console", true, "Broadcast lines typed on stdin to every client")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("mchat server %s\n", Version)
		return
	}

	defer memguard.Purge()

	if *genKey != "" {
		key, err := crypto.GenerateKeyAndStoreToFile(*genKey)
		if err != nil {
			log.Fatalf("Failed to generate key: %v", err)
		}
		key.Destroy()
		fmt.Printf("Key written to %s\n", *genKey)
		return
	}

	if err := run(*configPath, *keyFile, *debug, *console); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.Purge()
		os.Exit(1)
	}
}

func run(configPath, keyFile string, debug, console bool) error {
	if err := server.InitLoggers(); err != nil {
		return fmt.Errorf("failed to initialize loggers: %w", err)
	}

	tomlConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	config := tomlConfig.ToServerConfig()
	if keyFile != "" {
		config.KeyFile = keyFile
	}

	key, err := server.LoadKey(config)
	if err != nil {
		return err
	}
	if key == nil {
		log.Printf("No key configured, chat is relayed in plain text")
	}

	srv, err := server.NewServer(config, key)
	if err != nil {
		return err
	}
	if debug {
		srv.EnableDebugLogging()
	}

	// Relay activity is shown on the console
	srv.Subscribe(distributor.SubscriberFunc(func(line string) error {
		fmt.Println(line)
		return nil
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		srv.Stop()
		return err
	}
	log.Printf("Relay %s listening: chat %s, query %s", Version, srv.ChatAddr(), srv.QueryAddr())
	if addr := srv.HTTPAddr(); addr != nil {
		log.Printf("WebSocket bridge on http://%s%s", addr, config.WebSocketPath)
	}

	if console {
		go readConsole(ctx, srv)
	}

	<-ctx.Done()
	log.Printf("Shutting down...")
	return srv.Stop()
}

// readConsole broadcasts each non-empty stdin line as a relay message
func readConsole(ctx context.Context, srv *server.Server) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := srv.SendMessage(ctx, text); err != nil {
			log.Printf("Failed to broadcast: %v", err)
		}
	}
}
