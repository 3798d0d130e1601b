//go:build !tinygo

package unrecoverable

import "runtime/debug"

func captureStack() []byte {
	return debug.Stack()
}
