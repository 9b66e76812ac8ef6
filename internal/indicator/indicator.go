// Package indicator computes the streaming RSI over per-token price windows.
//
// History holds the bounded price sequence for each token and RSI is a pure
// function over that sequence. Neither does any locking: both are driven
// from the single ingestion goroutine.
package indicator
