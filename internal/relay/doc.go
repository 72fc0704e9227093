// Package relay moves engine status messages from the ingestion queues into
// job records and out to subscribed clients.
//
// Each process consumes every engine queue as a competing consumer, so a
// message is decoded and persisted by exactly one process. That process
// then republishes the unmodified bytes on the engine's fanout channel.
// Every process, including the one that persisted the update, receives the
// copy and dispatches it to the users in its own Registry.
//
// Subscriptions live only in the Registry of the process that accepted
// them. They are not persisted or shared, so a client that reconnects
// (possibly to another process) must subscribe to its jobs again.
package relay
