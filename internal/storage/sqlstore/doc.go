// Package sqlstore implements storage.Store on database/sql. It ships with a
// MySQL dialect for production deployments and a SQLite dialect (pure Go,
// via modernc.org/sqlite) for single-node runs and tests. Schema migrations
// are embedded per dialect and applied on open.
package sqlstore
