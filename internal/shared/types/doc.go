// Package types provides shared data structures for the migration engine.
//
// Core Types:
//   - Family: on-disk data-layout family of a browser (Gecko, Chromium)
//   - ApplicationRecord: identity of one installed application
//
// Example Usage:
//
//	rec := types.ApplicationRecord{
//	    ID:     "org.mozilla.firefox",
//	    Family: types.FamilyGecko,
//	}
package types
