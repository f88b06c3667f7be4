// Package conversation is the durable store for conversations, participants
// and messages.
//
// Participant rows are the sole source of truth for authorization. Messages
// are append-only; the store assigns ids and timestamps at insert time and
// orders history by creation time, ties broken by insertion order.
package conversation
