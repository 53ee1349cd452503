// Package stores provides the SQLite journal of isogrpd. It records group
// lifecycle events published by the engine and the administrative requests
// served by the admin API. The journal is an audit trail; group state is
// never restored from it.
package stores
