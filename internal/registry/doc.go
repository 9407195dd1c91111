// Package registry holds the relay's in-memory entity stores: workstations,
// socket clients, and polling clients.
//
// Stores are explicitly constructed and owned by a single relay instance;
// there is no package-level state. Close tears a store down by dropping all
// entries and closing any connection handles it still references.
package registry
