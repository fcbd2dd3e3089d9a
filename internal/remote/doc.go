// Package remote talks to the versioned backend that mutations are replayed
// against.
//
// The API interface is what the sync engine consumes. Client implements it
// over HTTP; Backend is an in-memory reference server speaking the same wire
// contract, used by `outbox backend` and by integration tests.
//
// Every failure a remote call can produce is reduced to one of four kinds
// (see Kind) so the engine can decide between retrying, parking a conflict
// and failing the mutation for good.
package remote
