// Package vault holds the encrypted vault domain: ciphers, collections,
// organizations, memberships, and the sync engine that mutates them.
//
// The server never decrypts cipher data; entries are opaque blobs
// encrypted client-side. What the server does own is visibility and
// consistency: the authorization resolver maps {identity, operation,
// target} onto a fixed role capability table, and the sync engine
// commits every mutation together with the owning account's (and, for
// organization data, the organization's) revision stamp advance in one
// transaction. Clients compare stamps to decide when to re-sync.
package vault
