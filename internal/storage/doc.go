// Package storage persists the source catalogue and the scraped records.
//
// It holds:
//   - Sources (run-state, execution accounting, notification watermark)
//   - Publications and their attachments (deduplicated per source+subject)
//   - Per-source mailing list recipients
package storage
