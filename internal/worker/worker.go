// Package worker consumes recorded-scan messages off the queue and keeps the
// gate feed current.
package worker

import (
	"context"
	"encoding/json"
	"io"
	"log"

	"gateattend/internal/attendance"
	"gateattend/internal/feed"
	"gateattend/internal/queue"
)

// Worker moves recorded gate scans from the queue into the feed.
type Worker struct {
	queue  queue.Queue
	feed   feed.Feed
	logger *log.Logger
}

// New creates a worker. A nil logger discards output.
func New(q queue.Queue, f feed.Feed, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Worker{queue: q, feed: f, logger: logger}
}

// Run processes messages until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}
	w.logger.Println("worker started, waiting for messages...")
	for msg := range messages {
		if err := w.handle(ctx, msg); err != nil {
			w.logger.Printf("message %s (%s): %v", msg.ID, msg.Type, err)
		}
	}
	w.logger.Println("worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != attendance.MessageRecorded {
		return nil
	}
	var e attendance.Entry
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return err
	}
	// Lecture attendance is not a gate entry.
	if e.LectureID != nil {
		return nil
	}
	return w.feed.Push(ctx, e)
}
