// Package logind provides a lock signal source backed by systemd-logind using its D-Bus
// interface, [org.freedesktop.login1].
//
// The source either relays the Lock and Unlock signals of a session ([ModeSignals]) or the
// changes of the session's LockedHint property ([ModeLockedHint]). The former tells that
// the session should be locked, the latter that a screen locker reported it to be locked.
//
// [org.freedesktop.login1]: https://www.freedesktop.org/software/systemd/man/latest/org.freedesktop.login1.html
package logind
