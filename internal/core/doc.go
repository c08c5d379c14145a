// Package core provides the business logic of the ingestion and versioning
// pipeline.
//
// The package is independent of any transport or storage engine. Records
// live behind [Store], file content behind [BlobStore], job messages
// behind [Queue], and model fitting behind [Trainer]. The web handlers, the
// worker process and the tests all drive the same [Service].
//
// # Flow
//
//  1. [Service.Upload] detects the format, stores the blob and, in one
//     transaction with the tenant row locked, raises storage usage, records
//     the File and its extraction job. The job is enqueued after commit.
//  2. The extraction runner parses the blob with the [Extractor] for the
//     detected format and creates dataset version 1.
//  3. [Service.Clean] previews or applies a batch of cleaning operations.
//     An apply creates the next version and appends the operations to the
//     chain's log. [Service.Revert] flags the newest active operation.
//  4. [Service.Export] and [Service.CreatePrediction] queue export and
//     training jobs against a version.
//
// # Jobs
//
// Every runner shares one state machine: queued -> running ->
// succeeded|failed, with a bounded number of attempts and exponential
// backoff between them. Duplicate deliveries are absorbed by the
// conditional claim. [Dispatcher] consumes the queue and
// [Service.RunSweeper] repairs jobs the queue lost.
//
// # Error Handling
//
// Errors wrap the sentinels in errors.go. [MapError] turns them into
// user-facing messages with a support code:
//
//   - QTA001: storage quota
//   - NF001, CON001-CON002: missing entities and conflicts
//   - VAL001-VAL008: request and operation validation
//   - FILE001-FILE006: file size, encoding and format
//   - JOB001-JOB003: background job failures
//   - DB001-DB007: database errors
package core
