// Package idle provides a lock signal source that treats an idle session as a locked screen,
// the way mobile platforms report the screen turning off.
//
// The Wayland implementation uses the [ext-idle-notify-v1] protocol: the idled event of a
// notification is relayed as locked and the resumed event as unlocked.
//
// [ext-idle-notify-v1]: https://wayland.app/protocols/ext-idle-notify-v1
package idle
