package tflib

import (
	"runtime/debug"
	"sync"

	"github.com/telefiles/telefiles/pkg/logger"
)

// safeGo runs fn in a goroutine with panic recovery. A panicking scheduler
// task must never take down the process; the panic is logged with its stack
// and the goroutine exits. If wg is non-nil, it is decremented on completion.
func safeGo(log logger.Logger, wg *sync.WaitGroup, name string, fn func()) {
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer func() {
			if r := recover(); r != nil {
				if log != nil {
					log.Error("PANIC [%s]: %v\n%s", name, r, debug.Stack())
				}
			}
		}()
		fn()
	}()
}
