// Package transport handles the UDP side of a Mumble connection: the
// reachability pinger that decides whether encrypted UDP voice is
// usable, and the voice sender that routes each outgoing packet over
// encrypted UDP or the TCP tunnel based on that decision.
package transport
