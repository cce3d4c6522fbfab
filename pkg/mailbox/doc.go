// Package mailbox implements the shared message store agents use to talk to
// each other.
//
// Messages are stored in one inbox per recipient. Each inbox has its own lock,
// so sends to different recipients never contend, and the read/archived flags
// of a message are flipped atomically without taking any inbox lock. Message
// content is immutable once stored; archiving is a soft delete.
//
// The mailbox does not know about sessions or queues. A Router supplied by the
// owner validates recipients and turns each stored message into work for the
// recipient.
package mailbox
