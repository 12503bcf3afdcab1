package main

import (
	"context"
	"math/rand"
	"os"
	"time"
)

// refreshLoop calls refresh on a jittered interval and whenever trigger
// fires. A non-positive interval disables the timer but not the trigger.
func refreshLoop(ctx context.Context, interval time.Duration, jitter float64, trigger <-chan os.Signal, refresh func(ctx context.Context, reason string)) {
	jitter = clampJitterRatio(jitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var tick <-chan time.Time
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		defer timer.Stop()
		tick = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			refresh(ctx, "interval")
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		case sig, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
			refresh(ctx, "signal "+sig.String())
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
