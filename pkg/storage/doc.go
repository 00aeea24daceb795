/*
Package storage defines where the collector keeps the events it receives.

Two backends implement Storage:

  - memory: a slice behind a mutex, for tests and throwaway runs
  - badger: BadgerDB on disk (or in memory), the collector default

Queries always return events oldest first. Deleting by age is how retention
works; the collector calls Delete on a timer with now minus the retention
window.

# Badger Key Layout

	[response time, unix nanos BE (8)][xxhash64(group + "\x00" + type) (8)][sequence (8)]

Keys sort by time, so a range query is a seek to the start timestamp followed
by a scan that stops at the end timestamp. The sequence number keeps events
that share a timestamp and series from overwriting each other.
*/
package storage
