package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"travelchat/client"
	"travelchat/models"
)

type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	TotalDuration   int64
}

type Config struct {
	URL            string
	AdminKey       string
	Workers        int
	Duration       int
	MessageCount   int
	RequestsPerSec int
}

const maxRequestsPerSec = 100000

var (
	stats Stats
)

func main() {
	config := parseFlags()

	log.Printf("Starting chat load with config: %+v", config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	requestsPerWorker := config.perWorkerRate()

	api := client.NewAPIClient(config.URL)
	for i := 0; i < config.Workers; i++ {
		identity, err := api.GuestIdentity(ctx, gofakeit.FirstName(), "")
		if err != nil {
			log.Fatalf("Worker %d: failed to get guest identity: %v", i, err)
		}
		wg.Add(1)
		go worker(ctx, i, config, requestsPerWorker, api, identity, &wg)
	}

	go printStats(ctx)

	if config.Duration > 0 {
		go func() {
			select {
			case <-time.After(time.Duration(config.Duration) * time.Second):
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	go func() {
		select {
		case <-sigChan:
			log.Println("\nReceived interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	printFinalStats()
}

func parseFlags() Config {
	config := Config{}

	flag.StringVar(&config.URL, "url", "http://localhost:8080", "Chat service URL")
	flag.StringVar(&config.AdminKey, "admin-key", os.Getenv("CHAT_ADMIN_API_KEY"), "Admin API key; enables admin operations")
	flag.IntVar(&config.Workers, "workers", 10, "Number of concurrent guests")
	flag.IntVar(&config.Duration, "duration", 60, "Test duration in seconds (0 for infinite)")
	flag.IntVar(&config.MessageCount, "messages", 0, "Total requests to send (0 for infinite)")
	flag.IntVar(&config.RequestsPerSec, "rps", 100, "Requests per second target")

	flag.Parse()
	return config.normalize()
}

// normalize приводит флаги к допустимым значениям: rps в [1, maxRequestsPerSec]
func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = 1
	}
	if c.RequestsPerSec > maxRequestsPerSec {
		c.RequestsPerSec = maxRequestsPerSec
	}
	if c.Duration < 0 {
		c.Duration = 0
	}
	if c.MessageCount < 0 {
		c.MessageCount = 0
	}
	return c
}

func (c Config) perWorkerRate() int {
	rate := c.RequestsPerSec / c.Workers
	if rate < 1 {
		rate = 1
	}
	return rate
}

func worker(ctx context.Context, id int, config Config, requestsPerSec int, api *client.APIClient,
	identity models.Identity, wg *sync.WaitGroup) {
	defer wg.Done()

	guest := api.WithGuestToken(identity.Token)
	admin := api.WithAdminKey(config.AdminKey)

	ticker := time.NewTicker(time.Second / time.Duration(requestsPerSec))
	defer ticker.Stop()

	operations := []string{"send_message", "get_messages"}
	if config.AdminKey != "" {
		operations = append(operations, "admin_reply", "mark_as_read", "get_conversations")
	}

	messagesSent := 0

	for {
		select {
		case <-ctx.Done():
			log.Printf("Worker %d stopping, sent %d messages", id, messagesSent)
			return
		case <-ticker.C:
			if config.MessageCount > 0 && int(atomic.LoadInt64(&stats.TotalRequests)) >= config.MessageCount {
				return
			}

			operation := operations[rand.Intn(len(operations))]

			start := time.Now()
			var err error

			switch operation {
			case "send_message":
				_, err = guest.Send(ctx, client.SendRequest{
					ConversationID: identity.ConversationID,
					Body:           gofakeit.Sentence(8),
				})
				if err == nil {
					messagesSent++
				}
			case "get_messages":
				_, err = guest.ListConversation(ctx, identity.ConversationID)
			case "admin_reply":
				_, err = admin.Send(ctx, client.SendRequest{
					ConversationID: identity.ConversationID,
					IsAdmin:        true,
					Body:           gofakeit.Sentence(6),
				})
			case "mark_as_read":
				_, err = admin.MarkRead(ctx, identity.ConversationID)
			case "get_conversations":
				_, err = admin.Conversations(ctx)
			}

			duration := time.Since(start)

			atomic.AddInt64(&stats.TotalRequests, 1)
			atomic.AddInt64(&stats.TotalDuration, duration.Milliseconds())

			if err != nil && ctx.Err() == nil {
				atomic.AddInt64(&stats.FailedRequests, 1)
				log.Printf("Worker %d: %s failed: %v", id, operation, err)
			} else if err == nil {
				atomic.AddInt64(&stats.SuccessRequests, 1)
			}
		}
	}
}

func snapshot() (total, success, failed, avgLatency int64, successRate float64) {
	total = atomic.LoadInt64(&stats.TotalRequests)
	success = atomic.LoadInt64(&stats.SuccessRequests)
	failed = atomic.LoadInt64(&stats.FailedRequests)
	totalDuration := atomic.LoadInt64(&stats.TotalDuration)

	if total > 0 {
		avgLatency = totalDuration / total
		successRate = float64(success) / float64(total) * 100
	}
	return
}

func printStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, success, failed, avgLatency, successRate := snapshot()
			log.Printf("[STATS] Total: %d | Success: %d | Failed: %d | Success Rate: %.2f%% | Avg Latency: %dms",
				total, success, failed, successRate, avgLatency)
		}
	}
}

func printFinalStats() {
	total, success, failed, avgLatency, successRate := snapshot()

	log.Println("\n========== FINAL STATISTICS ==========")
	log.Printf("Total Requests:     %d", total)
	log.Printf("Successful:         %d", success)
	log.Printf("Failed:             %d", failed)
	log.Printf("Success Rate:       %.2f%%", successRate)
	log.Printf("Average Latency:    %dms", avgLatency)
	fmt.Println("======================================")
}
