// Package lockstate relays operating system lock and unlock notifications to a single
// subscriber.
//
// A [Notifier] observes a [SignalSource], such as the systemd-logind session or the
// freedesktop ScreenSaver service, and translates its callbacks into [Locked] and
// [Unlocked] events. At most one [Sink] receives events at any time; starting a new
// subscription replaces the previous one.
package lockstate
