// Package signaling relays peer-to-peer negotiation messages between browser
// clients.
//
// Clients register under an application namespace and a display name with an
// init message, receive the ids of peers already in that group, and then send
// signal messages addressed by (app, display name, connection id). Signal data
// is relayed verbatim; the relay never interprets it.
//
// The Dispatcher holds all routing state. WebSocketServer and SocketIOServer
// are transports that feed it decoded messages and disconnect notifications.
package signaling
