// Package screensaver provides a lock signal source backed by the session's screen saver,
// [org.freedesktop.ScreenSaver], or a compatible interface such as org.gnome.ScreenSaver.
//
// [org.freedesktop.ScreenSaver]: https://specifications.freedesktop.org/idle-inhibit-spec/latest/
package screensaver
