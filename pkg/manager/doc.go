// Package manager is the session manager: it creates and stops agents,
// routes mailbox deliveries and wake notifications to their sessions, and
// exposes the operations callers use to drive the runtime.
//
// The manager is the mailbox router, the wake target of the sleep/wake
// controller and the sleeper behind the sleep tool. None of these paths
// hold the registry lock while calling into a session.
package manager
