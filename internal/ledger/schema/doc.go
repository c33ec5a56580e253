// Package schema defines the records exchanged between the ledger store,
// the sync queue and the remote gateway.
//
// # Transactions
//
// A Transaction is the locally owned ledger row. Amounts are always integer
// minor units of the transaction currency (cents for USD, yen for JPY):
//
//	{
//	  "id": "5d0f8a3e-2f7c-4d65-9a51-5f6d9c1b8e21",
//	  "amount_minor": 1000,
//	  "currency": "USD",
//	  "date": "2026-10-17",
//	  "category": "food",
//	  "description": "lunch"
//	}
//
// # Sync status
//
// Every transaction carries one of:
//   - PENDING  - committed locally, waiting in the sync queue
//   - SYNCING  - an operation for it is in flight
//   - SYNCED   - local revision equals the last acknowledged remote revision
//   - CONFLICT - the remote rejected the expected revision; needs resolution
//   - FAILED   - retries exhausted or permanently rejected
//
// # Payloads
//
// Payload is the synchronized content of a transaction (no status, no
// revision). It is what the remote stores and what conflict resolution
// compares field by field.
//
// # Transaction files
//
// TransactionFile is the hand-editable JSON format accepted by the inbox and the
// import command: one transaction per *.json file with a decimal amount
// string ("12.34") instead of minor units.
package schema
