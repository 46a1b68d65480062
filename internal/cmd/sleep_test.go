package cmd

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MatthiasKunnen/lockstate/pkg/inhibit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	inhibitor *fakeInhibitor
}

func (l *fakeLock) Close() error {
	l.inhibitor.mu.Lock()
	defer l.inhibitor.mu.Unlock()
	l.inhibitor.held--
	return nil
}

type fakeInhibitor struct {
	mu       sync.Mutex
	held     int
	acquired int
	sub      chan<- bool
}

func (f *fakeInhibitor) Inhibit(_ string, _ string, mode inhibit.Mode, what ...inhibit.What) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mode != inhibit.ModeDelay || len(what) != 1 || what[0] != inhibit.WhatSleep {
		panic("unexpected inhibitor lock")
	}
	f.held++
	f.acquired++
	return &fakeLock{inhibitor: f}, nil
}

func (f *fakeInhibitor) SubscribePrepareForSleep(c chan<- bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = c
	return nil
}

func (f *fakeInhibitor) UnsubscribePrepareForSleep(chan<- bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = nil
	return nil
}

func (f *fakeInhibitor) state() (held, acquired int, subscribed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held, f.acquired, f.sub != nil
}

func (f *fakeInhibitor) send(goSleep bool) {
	f.mu.Lock()
	c := f.sub
	f.mu.Unlock()
	c <- goSleep
}

func TestGuardSleep(t *testing.T) {
	inhibitor := &fakeInhibitor{}
	slept := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- guardSleep(ctx, inhibitor, func() { slept <- struct{}{} }, slog.New(slog.DiscardHandler))
	}()

	require.Eventually(t, func() bool {
		held, _, subscribed := inhibitor.state()
		return held == 1 && subscribed
	}, time.Second, 5*time.Millisecond)

	inhibitor.send(true)
	select {
	case <-slept:
	case <-time.After(time.Second):
		t.Fatal("beforeSleep was not called")
	}
	require.Eventually(t, func() bool {
		held, _, _ := inhibitor.state()
		return held == 0
	}, time.Second, 5*time.Millisecond, "the delay lock must be released to let the system sleep")

	inhibitor.send(false)
	require.Eventually(t, func() bool {
		held, acquired, _ := inhibitor.state()
		return held == 1 && acquired == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	held, _, subscribed := inhibitor.state()
	assert.Equal(t, 0, held)
	assert.False(t, subscribed)
}
