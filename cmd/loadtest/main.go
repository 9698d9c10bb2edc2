// Command loadtest connects many clients to a host, has them post and edit
// multi-part messages at random intervals and reports throughput and
// delivery latency.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/sessionwire/pkg/client"
	"github.com/aeolun/sessionwire/pkg/logs"
	"github.com/aeolun/sessionwire/pkg/multipart"
	log "github.com/sirupsen/logrus"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(strings.ToLower(loremIpsum)))

var logger = logs.NewLogger("loadtest")

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

// generateUsername joins fragments of two random words
func generateUsername() string {
	frag := func() string {
		w := loremWords[rand.Intn(len(loremWords))]
		return w[:min(len(w), 3+rand.Intn(4))]
	}
	return frag() + frag()
}

// randomText returns between minWords and maxWords lorem words
func randomText(minWords, maxWords int) string {
	n := minWords + rand.Intn(maxWords-minWords+1)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	postsSent         atomic.Int64
	editsSent         atomic.Int64
	sendFailures      atomic.Int64
	postsDelivered    atomic.Int64
	totalLatency      atomic.Int64 // in microseconds, delivery to other clients
	probes            atomic.Int64
	totalRTT          atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	disconnections    atomic.Int64
	successfulClients atomic.Int64 // clients that successfully connected and started running
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
}

func (s *Stats) recordDelivery(m multipart.Message) {
	sentAt := m.EditTime
	latency := time.Since(time.UnixMilli(int64(sentAt)))
	s.postsDelivered.Add(1)
	s.totalLatency.Add(max(latency.Microseconds(), 0))
}

func (s *Stats) snapshot() (sent, delivered, failed int64, avgLatencyUs float64) {
	sent = s.postsSent.Load() + s.editsSent.Load()
	delivered = s.postsDelivered.Load()
	failed = s.sendFailures.Load()

	if delivered > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(delivered)
	}
	return
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id       int
	nickname string
	conn     *client.Connection
	stats    *Stats

	posts   []uint64 // Post times of our own posts, for edits
	postsMu sync.Mutex
}

func NewBotClient(id int, stats *Stats) *BotClient {
	return &BotClient{
		id:       id,
		nickname: generateUsername(),
		stats:    stats,
		posts:    make([]uint64, 0, 16),
	}
}

func (bc *BotClient) Connect(ctx context.Context, serverAddr, password string, opts client.Options) error {
	opts.OnPost = bc.stats.recordDelivery
	conn, err := client.Dial(ctx, serverAddr, opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	bc.conn = conn

	if password != "" || conn.ServerInfo().PasswordSet {
		err = conn.Login(bc.nickname, password)
	} else {
		err = conn.SetUsername(bc.nickname)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("set username: %w", err)
	}
	return nil
}

// PostRandomMessage posts new text (75%) or edits one of our posts (25%)
func (bc *BotClient) PostRandomMessage(longPosts float64) error {
	bc.postsMu.Lock()
	var editTarget uint64
	if len(bc.posts) > 0 && rand.Float32() < 0.25 {
		editTarget = bc.posts[rand.Intn(len(bc.posts))]
	}
	bc.postsMu.Unlock()

	// Long posts span several datagrams
	text := randomText(5, 20)
	if rand.Float64() < longPosts {
		text = randomText(200, 600)
	}

	if editTarget != 0 {
		if err := bc.conn.Edit(editTarget, text); err != nil {
			return err
		}
		bc.stats.editsSent.Add(1)
		return nil
	}

	postTime, err := bc.conn.Post(text)
	if err != nil {
		return err
	}
	bc.stats.postsSent.Add(1)

	bc.postsMu.Lock()
	bc.posts = append(bc.posts, postTime)
	if len(bc.posts) > 16 {
		bc.posts = bc.posts[1:]
	}
	bc.postsMu.Unlock()
	return nil
}

// measureRTT probes the host and waits briefly for the echo
func (bc *BotClient) measureRTT(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rtt, err := bc.conn.Ping(ctx)
	if err != nil {
		return
	}
	bc.stats.probes.Add(1)
	bc.stats.totalRTT.Add(int64(rtt * 1000))
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration, longPosts float64, disconnectTimes chan<- time.Time) {
	defer func() {
		bc.stats.bytesSent.Add(bc.conn.GetBytesSent())
		bc.stats.bytesReceived.Add(bc.conn.GetBytesReceived())
		bc.conn.Close()

		// Record disconnect time
		select {
		case disconnectTimes <- time.Now():
		default:
		}
	}()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		if err := bc.PostRandomMessage(longPosts); err != nil {
			if errors.Is(err, client.ErrClosed) {
				bc.stats.disconnections.Add(1)
				logger.WithField("bot", bc.id).WithError(bc.conn.Err()).Debug("Disconnected")
				return
			}
			bc.stats.sendFailures.Add(1)
			logger.WithField("bot", bc.id).WithError(err).Debug("Post failed")
		}

		if iteration%5 == 0 {
			bc.measureRTT(ctx)
		}

		// Random delay between posts
		delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)+1))
		select {
		case <-time.After(delay):
		case <-bc.conn.Done():
			bc.stats.disconnections.Add(1)
			return
		case <-ctx.Done():
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-ctx.Done():
		}
	}
}

func initLogging(debug bool) error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:7777", "Host address (host:port or ws:// URL)")
	password := flag.String("password", "", "Host password")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	longPosts := flag.Float64("long-posts", 0.2, "Fraction of posts long enough to span several datagrams")
	budget := flag.Int("max-datagram", 0, "Datagram size budget, must match the host (0 = protocol default)")
	byteAccurate := flag.Bool("byte-accurate", false, "Split posts on encoded size instead of character count")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *maxDelay < *minDelay {
		*maxDelay = *minDelay
	}

	if err := initLogging(*debug); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := max(rampUpDuration/time.Duration(max(*numClients, 1)), time.Millisecond)

	logger.WithFields(log.Fields{
		"server":   *serverAddr,
		"clients":  *numClients,
		"duration": *duration,
		"ramp_up":  rampUpDuration,
		"delay":    fmt.Sprintf("%v - %v", *minDelay, *maxDelay),
	}).Info("Starting load test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
				sent, delivered, failed, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				logger.Infof("Stats: %d sent (%.1f/s), %d delivered, %d failed, avg latency %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, delivered, failed, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping test...")
		cancel()
	}()

	rampUpStart := time.Now()
	disconnectTimes := make(chan time.Time, *numClients)
	opts := client.Options{
		MaxDatagramBytes: *budget,
		ByteAccurate:     *byteAccurate,
		Logger:           logger,
	}

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, stats)
			dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
			err := bot.Connect(dialCtx, *serverAddr, *password, opts)
			dialCancel()
			if err != nil {
				stats.connectionErrors.Add(1)
				logger.WithField("bot", id).WithError(err).Debug("Connect failed")
				return
			}
			stats.successfulClients.Add(1)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				logger.WithField("bot", id).Info("Connected")
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay, *longPosts, disconnectTimes)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			break spawn
		}
	}

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)
	close(disconnectTimes)

	var lastDisconnect time.Time
	for t := range disconnectTimes {
		lastDisconnect = t
	}

	// Final stats
	sent, delivered, failed, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	rate := float64(sent) / duration.Seconds()

	logger.Info("=== Final Results ===")
	logger.Infof("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(max(*numClients, 1))*100)
	if !lastDisconnect.IsZero() {
		logger.Infof("Wall time: %v", lastDisconnect.Sub(rampUpStart).Round(time.Second))
	}
	logger.Infof("Posts sent: %d new, %d edits (%.1f/s)", stats.postsSent.Load(), stats.editsSent.Load(), rate)
	logger.Infof("Send failures: %d", failed)
	logger.Infof("Disconnections: %d", stats.disconnections.Load())
	logger.Infof("Connection errors: %d", stats.connectionErrors.Load())
	logger.Infof("Posts delivered to other clients: %d", delivered)
	if successfulClients > 1 && sent > 0 {
		// Every post fans out to every other client that is connected
		expected := float64(sent) * float64(successfulClients-1)
		logger.Infof("Delivery ratio: %.1f%% of full fan-out", float64(delivered)/expected*100)
	}
	logger.Infof("Average delivery latency: %.2fms", avgUs/1000.0)
	if n := stats.probes.Load(); n > 0 {
		logger.Infof("Average loopback RTT: %.2fms over %d probes", float64(stats.totalRTT.Load())/float64(n)/1000.0, n)
	}
	logger.Infof("Traffic: %d bytes sent, %d bytes received", stats.bytesSent.Load(), stats.bytesReceived.Load())
}
