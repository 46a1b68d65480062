// Package channel exposes a lock state notifier to an application as the "screen_events"
// event channel: a stream of "locked" and "unlocked" strings with a single listener.
//
// Attaching a listener starts the notifier, detaching stops it. [Serve] publishes a channel
// on the D-Bus session bus so that other processes can listen.
package channel
