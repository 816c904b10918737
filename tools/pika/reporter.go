package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastSnapshot Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			fmt.Printf("[%5.0fs] events/sec: %6d | callbacks/sec: %7d | published: %8d | delivered: %9d | errors: %4d\n",
				elapsed.Seconds(),
				snapshot.Published-lastSnapshot.Published,
				snapshot.Delivered-lastSnapshot.Delivered,
				snapshot.Published,
				snapshot.Delivered,
				snapshot.Errors,
			)

			lastSnapshot = snapshot
		}
	}
}
