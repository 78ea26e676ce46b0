// Package database manages Coffer's SQLite connection and schema migrations.
//
// The database holds accounts, device sessions, organizations, memberships,
// collections, ciphers, and the audit trail. Access is serialised through a
// single connection (SQLite's writer model); the WithTx helper provides the
// atomic unit used for refresh-token rotation and mutation-plus-stamp
// advances.
//
// Migrations are embedded SQL files registered by the root migrations
// package and applied in version order, one transaction each.
package database
