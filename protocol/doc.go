// Package protocol implements the Mumble 1.3 control connection: the
// TLS framer, the connection state machine, roster maintenance, crypto
// setup, keepalive, and the voice-packet ingress path.
//
// A Client owns the TLS socket, a blocking reader goroutine and a 15 s
// ping ticker. Incoming control messages are dispatched in arrival
// order; UDPTunnel frames are unwrapped, Opus-decoded per speaker and
// handed to the audio subsystem through a one-way callback, so the
// audio side never references the protocol engine.
package protocol
