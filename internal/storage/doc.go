// Package storage persists the dispatch audit trail: one record per SMS
// dispatch attempt, readable back for the sms_history command.
//
// Drivers:
//   - "file": JSON lines at <prefix>.dispatch.jsonl
//   - "sqlite": table dispatch in a SQLite database (modernc.org/sqlite)
package storage
