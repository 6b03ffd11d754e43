// Package activity models the structured log stream a daemon sends while
// an operation runs: plain text, activities that start and stop, and
// results attached to running activities.
//
// Store code emits through the Sink bound to its context. The daemon
// binds a sink that forwards each message to the peer in order, and a
// client binds one that receives what the peer forwarded.
package activity
