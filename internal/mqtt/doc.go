// Package mqtt mirrors parley's envelopes onto an MQTT broker and,
// optionally, accepts chat input from it.
//
// Every envelope is published to <prefix>/<agent>/<session>/<type> as
// the same JSON observers receive over the WebSocket gateway. A retained
// availability topic (<prefix>/status) reads "online" while connected;
// a will message flips it to "offline" on unexpected disconnects.
//
// With accept_input enabled the mirror also subscribes to
// <prefix>/+/input. The topic level names the agent and the payload is
// either plain text or {"sessionId": "...", "content": "..."}.
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically and re-runs the subscribe step on every
// (re-)connect.
package mqtt
