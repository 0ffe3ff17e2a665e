package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/chatcast/pkg/client"
	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

// generateUsername combines fragments of two random words
func generateUsername(id int) string {
	fragment := func() string {
		word := lo.Sample(loremWords)
		return word[:min(len(word), 3+rand.IntN(4))]
	}
	return fmt.Sprintf("%s%s%d", fragment(), fragment(), id)
}

func randomSentence() string {
	n := 3 + rand.IntN(12)
	words := make([]string, n)
	for i := range words {
		words[i] = lo.Sample(loremWords)
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	connected        atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64

	messagesPosted atomic.Int64
	postFailures   atomic.Int64

	received       atomic.Int64
	receivedByKind [5]atomic.Int64

	// Own chat messages seen again, with their round-trip time
	echoes        atomic.Int64
	totalEchoTime atomic.Int64 // in microseconds
	maxEchoTime   atomic.Int64 // in microseconds
}

func (s *Stats) recordReceived(kind protocol.Kind) {
	s.received.Add(1)
	if kind.Valid() {
		s.receivedByKind[kind].Add(1)
	}
}

func (s *Stats) recordEcho(d time.Duration) {
	us := d.Microseconds()
	s.echoes.Add(1)
	s.totalEchoTime.Add(us)
	for {
		cur := s.maxEchoTime.Load()
		if us <= cur || s.maxEchoTime.CompareAndSwap(cur, us) {
			return
		}
	}
}

func (s *Stats) avgEchoMs() float64 {
	n := s.echoes.Load()
	if n == 0 {
		return 0
	}
	return float64(s.totalEchoTime.Load()) / float64(n) / 1000.0
}

// BotClient is one simulated chat user
type BotClient struct {
	id    int
	name  string
	conn  *client.Client
	stats *Stats
}

func NewBotClient(ctx context.Context, id int, wsURL string, stats *Stats) (*BotClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := client.Dial(dialCtx, wsURL)
	if err != nil {
		return nil, err
	}
	return &BotClient{id: id, name: generateUsername(id), conn: conn, stats: stats}, nil
}

// Run joins, posts until ctx is done, then closes the connection
func (bc *BotClient) Run(ctx context.Context, minDelay, maxDelay time.Duration) {
	defer bc.conn.Close()

	receiveDone := make(chan struct{})
	go func() {
		defer close(receiveDone)
		bc.receive()
	}()

	if err := bc.conn.Join(bc.name, bc.name+" joined"); err != nil {
		bc.stats.connectionErrors.Add(1)
		return
	}
	bc.stats.connected.Add(1)

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int64N(int64(maxDelay - minDelay)))
		}

		select {
		case <-ctx.Done():
			return
		case <-receiveDone:
			bc.stats.disconnections.Add(1)
			return
		case <-time.After(delay):
		}

		if err := bc.conn.Say(bc.name, randomSentence()); err != nil {
			bc.stats.postFailures.Add(1)
			continue
		}
		bc.stats.messagesPosted.Add(1)
	}
}

func (bc *BotClient) receive() {
	for env := range bc.conn.Incoming() {
		bc.stats.recordReceived(env.Kind)
		if env.Kind == protocol.KindChat && env.Sender == bc.name {
			bc.stats.recordEcho(time.Since(env.CreatedAt))
		}
	}
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8080", "Server address (host:port)")
	path := flag.String("path", "/chat", "WebSocket endpoint path")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if *numClients < 1 {
		log.Fatal("-clients must be at least 1")
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := max(rampUpDuration/time.Duration(*numClients), time.Millisecond)

	wsURL := client.URL(*serverAddr, *path, false)
	log.Printf("Starting load test:")
	log.Printf("  Server: %s", wsURL)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	start := time.Now()

	// Start stats reporter
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(start).Seconds()
				posted := stats.messagesPosted.Load()
				log.Printf("Stats: %d bots, %d posted (%.1f/s), %d received, avg echo %.2fms",
					stats.connected.Load(), posted, float64(posted)/elapsed, stats.received.Load(), stats.avgEchoMs())
			case <-ctx.Done():
				return
			}
		}
	}()

	// Spawn clients
	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(ctx, id, wsURL, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				if id == 0 {
					log.Printf("[Bot %d] Connect failed: %v", id, err)
				}
				return
			}
			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.name)
			}
			bot.Run(ctx, *minDelay, *maxDelay)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	wg.Wait()
	printReport(stats, time.Since(start))
}

func printReport(stats *Stats, elapsed time.Duration) {
	posted := stats.messagesPosted.Load()

	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"Duration", elapsed.Round(time.Millisecond).String()},
		{"Bots joined", fmt.Sprint(stats.connected.Load())},
		{"Connection errors", fmt.Sprint(stats.connectionErrors.Load())},
		{"Disconnections", fmt.Sprint(stats.disconnections.Load())},
		{"Messages posted", fmt.Sprintf("%d (%.1f/s)", posted, float64(posted)/elapsed.Seconds())},
		{"Post failures", fmt.Sprint(stats.postFailures.Load())},
		{"Envelopes received", fmt.Sprint(stats.received.Load())},
		{"Echo latency avg", fmt.Sprintf("%.2fms", stats.avgEchoMs())},
		{"Echo latency max", fmt.Sprintf("%.2fms", float64(stats.maxEchoTime.Load())/1000.0)},
	})
	for _, kind := range protocol.Kinds() {
		table.Append([]string{"  received " + kind.String(), fmt.Sprint(stats.receivedByKind[kind].Load())})
	}
	table.Render()
}
