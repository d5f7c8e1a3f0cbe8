// Package store provides the SQLite implementation of the vouch repository.
//
// Six tables mirror the logical collections (elements, policies,
// expected_values, claims, results, sessions); session membership lists
// live in session_members, ordered by insertion.
//
// # Ordering
//
//   - Every row carries an autoincrement seq recording insertion order
//   - FindExpectedValue picks the highest seq for a pair
//   - Claim and result listings order by timestamp descending, rows with
//     a NULL timestamp last, then seq descending
//
// Claims and results are insert-only; the store exposes no update or
// delete for them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
