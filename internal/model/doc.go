// Package model defines the records shared by every stage of the entity ledger.
//
// This package contains type definitions and identity helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - All JSON tags use snake_case
//   - Mentions, deferred items and verification outcomes are immutable once
//     written; only the checkpoint is overwritten in place
//   - Entity keys are entityType + ":" + normalized display text
package model
