// Package validationpipeline implements asynchronous vote validation and
// consensus reconciliation inside the deliberation context.
//
// The module owns the path from an optimistically-captured vote to a durable,
// auditable validation outcome: durable pending-record publication,
// per-validator dispatch fan-out, result aggregation with retry and
// dead-lettering, and the blocking reconciliation gate that session
// finalization must pass. It keeps decision rules in application/domain
// layers and isolates the ordered-log transport and the audit ledger behind
// ports and adapters.
package validationpipeline
