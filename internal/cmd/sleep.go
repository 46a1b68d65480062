package cmd

import (
	"context"
	"io"
	"log/slog"

	"github.com/MatthiasKunnen/lockstate/pkg/inhibit"
)

type sleepInhibitor interface {
	Inhibit(who string, why string, mode inhibit.Mode, what ...inhibit.What) (io.Closer, error)
	SubscribePrepareForSleep(c chan<- bool) error
	UnsubscribePrepareForSleep(c chan<- bool) error
}

// guardSleep holds a delay inhibitor so that beforeSleep runs before every suspend.
// It returns when ctx is done.
func guardSleep(ctx context.Context, inhibitor sleepInhibitor, beforeSleep func(), logger *slog.Logger) error {
	prepareForSleep := make(chan bool, 1)
	if err := inhibitor.SubscribePrepareForSleep(prepareForSleep); err != nil {
		return err
	}
	defer func() {
		if err := inhibitor.UnsubscribePrepareForSleep(prepareForSleep); err != nil {
			logger.Warn("Failed to unsubscribe from PrepareForSleep", "error", err)
		}
	}()

	var sleepLock io.Closer
	acquire := func() {
		var err error
		sleepLock, err = inhibitor.Inhibit("lockstated", "Lock secret collections", inhibit.ModeDelay, inhibit.WhatSleep)
		if err != nil {
			logger.Warn("Unable to acquire sleep inhibition lock", "error", err)
		}
	}
	release := func() {
		if sleepLock == nil {
			return
		}
		if err := sleepLock.Close(); err != nil {
			logger.Warn("Failed to release sleep inhibition lock", "error", err)
		}
		sleepLock = nil
	}
	defer release()

	acquire()
	for {
		select {
		case <-ctx.Done():
			return nil
		case goSleep := <-prepareForSleep:
			if goSleep {
				logger.Info("System is going to sleep")
				beforeSleep()
				release()
			} else {
				logger.Info("System is back from sleep")
				// Get a new inhibition lock for the next sleep attempt
				acquire()
			}
		}
	}
}
