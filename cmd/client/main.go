// Command client is the terminal chat client for the relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/mchat/pkg/client"
	"github.com/aeolun/mchat/pkg/client/ui"
	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/distributor"
)

var Version = "dev"

func main() {
	serverAddr := flag.String("server", "", "Relay address (host:port), defaults to the last server used")
	name := flag.String("name", "", "User name, defaults to the last name used")
	keyFile := flag.String("key", "", "Shared key file")
	passphrase := flag.String("passphrase", "", "Derive the shared key from a passphrase instead of a key file")
	salt := flag.String("salt", "mchat", "Salt for passphrase key derivation")
	localAddr := flag.String("local", "", "Local UDP address to bind (default: any port)")
	noCheck := flag.Bool("nocheck", false, "Skip the name duplication check")
	notify := flag.Bool("notify", true, "Desktop notifications for incoming chat")
	statePath := flag.String("state", "", "State database path (default: $XDG_DATA_HOME/mchat/state.db)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("mchat %s\n", Version)
		return
	}

	if *statePath == "" {
		*statePath = defaultStatePath()
	}
	state, err := client.OpenState(*statePath)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	logFile, err := os.OpenFile(filepath.Join(state.GetStateDir(), "client.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	logger := log.New(logFile, "", log.LstdFlags)

	if *serverAddr == "" {
		*serverAddr = state.GetLastServer()
	}
	if *serverAddr == "" {
		*serverAddr = fmt.Sprintf("localhost:%d", 10240)
	}
	if *name == "" {
		*name, _ = state.GetNicknameForServer(*serverAddr)
	}
	if *name == "" {
		*name = state.GetLastNickname()
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "A user name is required, pass -name")
		os.Exit(2)
	}
	if *keyFile == "" && *passphrase == "" {
		*keyFile = state.GetKeyFile()
	}

	key, err := loadKey(*keyFile, *passphrase, *salt)
	if err != nil {
		log.Fatalf("Failed to load key: %v", err)
	}
	if key != nil {
		defer key.Destroy()
	}

	if !*noCheck {
		if err := checkName(*serverAddr, *name); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dist := distributor.New(distributor.DefaultQueueSize)
	dist.Start(ctx)
	defer dist.Close()

	feed := ui.NewFeed(256)
	defer feed.Close()
	dist.Subscribe(feed)

	listener, err := client.Dial(ctx, client.Options{
		ServerAddr: *serverAddr,
		LocalAddr:  *localAddr,
		Name:       *name,
		Key:        key,
		Lines:      dist,
		OnLogoff:   feed.Logoff,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer listener.Close()

	if err := state.SaveSuccessfulConnection(*serverAddr, *name); err != nil {
		logger.Printf("Failed to save connection: %v", err)
	}
	if *keyFile != "" {
		if err := state.SetKeyFile(*keyFile); err != nil {
			logger.Printf("Failed to remember key file: %v", err)
		}
	}

	model := ui.NewModel(listener, state, feed, ui.Options{
		ServerAddr: *serverAddr,
		Notify:     *notify,
		Logger:     logger,
	})
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		log.Fatalf("UI error: %v", err)
	}
}

func defaultStatePath() string {
	xdgData := os.Getenv("XDG_DATA_HOME")
	if xdgData == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		xdgData = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(xdgData, "mchat", "state.db")
}

func loadKey(keyFile, passphrase, salt string) (*crypto.Key, error) {
	switch {
	case keyFile != "":
		return crypto.ReadKeyFromFile(keyFile)
	case passphrase != "":
		return crypto.DeriveKeyFromPassphrase(passphrase, salt)
	default:
		return nil, nil
	}
}

func checkName(serverAddr, name string) error {
	queryAddr, err := client.QueryAddress(serverAddr)
	if err != nil {
		return fmt.Errorf("invalid server address %q: %w", serverAddr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	taken, err := client.CheckNameDuplicates(ctx, queryAddr, name)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("relay at %s did not answer the name check (use -nocheck to skip)", queryAddr)
	}
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("the name %q is already in use, pick another with -name", name)
	}
	return nil
}
