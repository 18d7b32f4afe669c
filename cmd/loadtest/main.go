package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/mchat/pkg/client"
	"github.com/aeolun/mchat/pkg/crypto"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

// stampPrefix marks the send time inside a message so receivers can measure latency
const stampPrefix = "t="

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// generateUsername combines fragments of two random words with the bot id,
// which keeps names unique across bots
func generateUsername(id int) string {
	word1 := strings.ToLower(strings.Trim(loremWords[rand.Intn(len(loremWords))], ".,"))
	word2 := strings.ToLower(strings.Trim(loremWords[rand.Intn(len(loremWords))], ".,"))

	frag := func(w string) string {
		n := 3 + rand.Intn(4) // 3-6 chars
		if n > len(w) {
			n = len(w)
		}
		return w[:n]
	}

	return fmt.Sprintf("%s%s%d", frag(word1), frag(word2), id)
}

func randomMessage() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	totalLatency      atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64 // clients that registered and started running

	// Session ending breakdown
	forcedLogoffs    atomic.Int64
	voluntaryLogoffs atomic.Int64
	nameCollisions   atomic.Int64
}

func (s *Stats) recordPost() {
	s.messagesPosted.Add(1)
}

func (s *Stats) recordPostFailure() {
	s.messagesFailed.Add(1)
}

func (s *Stats) recordReceived(latencyUs int64) {
	s.messagesReceived.Add(1)
	s.totalLatency.Add(latencyUs)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordLogoff(reason client.LogoffReason) {
	if reason == client.ForcedByPeer {
		s.forcedLogoffs.Add(1)
	} else {
		s.voluntaryLogoffs.Add(1)
	}
}

func (s *Stats) snapshot() (posted, failed, received, connErrors int64, avgLatencyUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	received = s.messagesReceived.Load()
	connErrors = s.connectionErrors.Load()

	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}

	return
}

// latencyRecorder receives a bot's display lines and measures relay latency
// from the timestamp embedded by the sender
type latencyRecorder struct {
	stats *Stats
}

func (r latencyRecorder) Publish(_ context.Context, line string) error {
	idx := strings.LastIndex(line, stampPrefix)
	if idx < 0 {
		return nil
	}
	sent, err := strconv.ParseInt(line[idx+len(stampPrefix):], 10, 64)
	if err != nil {
		return nil
	}
	r.stats.recordReceived(time.Since(time.Unix(0, sent)).Microseconds())
	return nil
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id       int
	nickname string
	listener *client.Listener
	stats    *Stats
	logoff   chan client.LogoffReason
}

func NewBotClient(id int, stats *Stats) *BotClient {
	return &BotClient{
		id:       id,
		nickname: generateUsername(id),
		stats:    stats,
		logoff:   make(chan client.LogoffReason, 1),
	}
}

// Connect checks the name and registers with the relay
func (bc *BotClient) Connect(ctx context.Context, serverAddr string, key *crypto.Key, checkNames bool) error {
	if checkNames {
		queryAddr, err := client.QueryAddress(serverAddr)
		if err != nil {
			return err
		}
		taken, err := client.CheckNameDuplicates(ctx, queryAddr, bc.nickname)
		if err != nil {
			return fmt.Errorf("name check failed: %w", err)
		}
		if taken {
			bc.stats.nameCollisions.Add(1)
			return fmt.Errorf("name %s already taken", bc.nickname)
		}
	}

	listener, err := client.Dial(ctx, client.Options{
		ServerAddr: serverAddr,
		Name:       bc.nickname,
		Key:        key,
		Lines:      latencyRecorder{stats: bc.stats},
		OnLogoff: func(reason client.LogoffReason) {
			bc.stats.recordLogoff(reason)
			bc.logoff <- reason
		},
		Logger: debugLogger,
	})
	if err != nil {
		return err
	}
	bc.listener = listener
	return nil
}

// PostRandomMessage sends lorem ipsum with an embedded send time
func (bc *BotClient) PostRandomMessage() error {
	text := fmt.Sprintf("%s %s%d", randomMessage(), stampPrefix, time.Now().UnixNano())
	if err := bc.listener.SendMessage(text); err != nil {
		bc.stats.recordPostFailure()
		return err
	}
	bc.stats.recordPost()
	return nil
}

// Run posts messages at random intervals until the duration elapses, the
// relay ends the session or stop is closed
func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, stop <-chan struct{}, disconnectTimes chan<- time.Time) {
	deadline := time.After(duration)

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}

		select {
		case <-deadline:
			bc.shutdown(shutdownDelay, disconnectTimes)
			return
		case <-stop:
			bc.shutdown(0, disconnectTimes)
			return
		case reason := <-bc.logoff:
			debugLogger.Printf("[Bot %d] Session ended: %s", bc.id, reason)
			return
		case <-time.After(delay):
			if err := bc.PostRandomMessage(); err != nil {
				debugLogger.Printf("[Bot %d] Post failed: %v", bc.id, err)
			}
		}
	}
}

func (bc *BotClient) shutdown(delay time.Duration, disconnectTimes chan<- time.Time) {
	// Delay shutdown for ramp-down
	if delay > 0 {
		time.Sleep(delay)
	}

	bc.listener.Close()

	select {
	case disconnectTimes <- time.Now():
	default:
	}
}

var debugLogger *log.Logger

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Configure standard log to write to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	// Configure debug logger to write only to debug file
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:10240", "Relay address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	passphrase := flag.String("passphrase", "", "Shared key passphrase (empty sends plain text)")
	salt := flag.String("salt", "mchat", "Salt for passphrase key derivation")
	checkNames := flag.Bool("check-names", false, "Run the name duplication check before registering")
	flag.Parse()

	// Initialize logging to both stdout and file
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	var key *crypto.Key
	if *passphrase != "" {
		var err error
		key, err = crypto.DeriveKeyFromPassphrase(*passphrase, *salt)
		if err != nil {
			log.Fatalf("Failed to derive key: %v", err)
		}
		defer key.Destroy()
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("  Encrypted: %v", key != nil)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, received, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(posted) / elapsed
				avgMs := avgUs / 1000.0
				load := getCPULoad()
				goroutines := runtime.NumGoroutine()

				log.Printf("Stats: %d posted (%.1f/s), %d received, %d failed, %d conn errors, avg latency %.2fms, load %.2f, goroutines %d",
					posted, rate, received, failed, connErrors, avgMs, load, goroutines)
			case <-stopStats:
				return
			}
		}
	}()

	// Handle graceful shutdown
	stopBots := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping test...")
		close(stopBots)
	}()

	disconnectTimes := make(chan time.Time, *numClients)
	ctx := context.Background()

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, stats)
			if err := bot.Connect(ctx, *serverAddr, key, *checkNames); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("[Bot %d] Connect failed: %v", id, err)
				return
			}
			stats.successfulClients.Add(1)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stopBots, disconnectTimes)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		select {
		case <-stopBots:
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)
	close(disconnectTimes)

	var lastDisconnect time.Time
	for t := range disconnectTimes {
		if t.After(lastDisconnect) {
			lastDisconnect = t
		}
	}

	// Final stats
	posted, failed, received, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	rate := float64(posted) / duration.Seconds()

	// Every post should reach every other connected bot
	expectedReceived := posted * max(successfulClients-1, 0)
	delivery := 0.0
	if expectedReceived > 0 {
		delivery = float64(received) / float64(expectedReceived) * 100
	}

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, rate)
	log.Printf("Messages failed: %d", failed)
	log.Printf("Messages received: %d of ~%d (%.1f%% delivery, UDP may drop under load)", received, expectedReceived, delivery)
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("  - Name collisions: %d", stats.nameCollisions.Load())
	log.Printf("Sessions ended by relay: %d forced, %d voluntary", stats.forcedLogoffs.Load(), stats.voluntaryLogoffs.Load())
	log.Printf("Average relay latency: %.2fms", avgUs/1000.0)
	if !lastDisconnect.IsZero() {
		log.Printf("Last bot disconnected at %s", lastDisconnect.Format(time.RFC3339))
	}
}
