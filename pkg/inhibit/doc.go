// Package inhibit takes systemd-logind inhibitor locks and reports when the system prepares
// for sleep, using the D-Bus interface [org.freedesktop.login1].
//
// A delay lock gives a program the time to act, such as locking secrets, before the system
// suspends.
//
// [org.freedesktop.login1]: https://www.freedesktop.org/software/systemd/man/latest/org.freedesktop.login1.html
package inhibit
