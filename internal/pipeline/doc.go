// Package pipeline runs one sync job from source to final table.
//
// States:
//   - fetching -> extracting -> staging -> loading -> merging -> cleaning_up -> succeeded | failed
//
// Short paths:
//   - fetching -> failed when the job, its destination or its source
//     connection cannot be resolved. Nothing has been staged yet.
//   - extracting -> failed when the extractor fails.
//   - extracting -> succeeded when the source holds no data rows; nothing is
//     staged, loaded or merged.
//
// Once staging starts every path goes through cleaning_up, which deletes the
// staged object and the temporary table recorded in the run's artifact.
// Cleanup errors are logged as WARN entries and never change the outcome.
//
// Mutual exclusion:
//   - RunJob claims the job's in-flight slot in the run ledger before doing
//     anything else and returns ErrRunInFlight when another run holds it.
//   - Recording the result releases the slot.
//
// After the terminal state the result is recorded, counted in metrics and,
// when the job asks for it, emailed.
package pipeline
