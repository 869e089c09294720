//go:build outpostdebug

package events

// Built with -tags outpostdebug, channel misuse panics.
const strictMisuse = true
