// Package ws streams terminal sessions to browsers over WebSocket.
//
// The package implements:
//   - Hub: the clients attached to one session
//   - HubManager: one hub per session
//   - Handler: upgrades connections and routes stdin, resize and ping frames
//   - Service: wires the handler to the session manager
//
// A client that attaches receives the session history in one "history"
// frame and then every later chunk of output as "stdout" frames, with no
// byte repeated or lost between the two. Shells keep running while no
// client is attached.
package ws
