// Package ledger records which cache keys a pipeline run created, so that a
// final clean step can delete them without listing the store.
//
// A ledger lives in the same Backend as the entries it tracks, under the
// run's owner key (see key.OwnerKey). Two strategies implement Ledger:
//
// Markers (the default) never read-modify-write shared state. Every
// enlistment claims its own numbered slot next to the owner key:
//
//	run42-_ledger      header {"version":1,"strategy":"markers",...}
//	run42-_ledger.0    {"key":"run42-wheel","nonce":"..."}
//	run42-_ledger.1    {"key":"run42-coverage","nonce":"..."}
//
// A writer claims a slot by observing a miss, writing its record with a
// random nonce and reading it back. If the nonce differs another writer won
// and the next slot is tried. After a settle delay the writer checks the slot
// once more and re-claims elsewhere if it was overwritten in the meantime.
// Load probes slots in order until a run of consecutive misses.
//
// Compound stores every key in one JSON document at the owner key and
// updates it by read-modify-write. Two workers enlisting at the same time
// can lose one update; it exists for comparison and for reading ledgers
// written that way.
package ledger
