//go:build !outpostdebug

package events

const strictMisuse = false
