// Package mongostore implements the vouch repository on MongoDB.
//
// Collections are named elements, policies, expectedvalues, claims,
// results and sessions; item IDs are stored as _id. Every insert takes a
// value from a counters collection so "most recent by insertion" has the
// same meaning as in the SQLite store.
package mongostore
