package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"campusattend/internal/config"
	"campusattend/internal/queue"
	"campusattend/internal/store"
)

// tally keeps a running per-session head count so operators can watch
// attendance land in real time from the worker logs.
type tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func (t *tally) bump(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[sessionID]++
	return t.counts[sessionID]
}

// Worker consumes attendance events published by the API and logs tallies.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "campus:attendance")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	counts := &tally{counts: make(map[string]int)}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Kind != "attendance.marked" {
			log.Printf("skipping message kind %q", msg.Kind)
			continue
		}

		var evt queue.AttendanceMarked
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("malformed attendance event: %v", err)
			continue
		}

		n := counts.bump(evt.SessionID)
		log.Printf("session %s: student %s marked present at %s (%d so far)",
			evt.SessionID, evt.StudentID, evt.MarkedAt.Format(time.RFC3339), n)
	}

	log.Println("worker stopped")
}
