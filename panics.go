package stagemachine

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// HookPanic is the source error of a hook failure caused by a panic.
type HookPanic struct {
	Value any
	Stack []byte
}

func (p *HookPanic) Error() string {
	return fmt.Sprintf("hook panicked: %v", p.Value)
}

// runHook calls hook.Run and converts a panic into a *HookPanic error.
func runHook(ctx context.Context, hook Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fullStack := make([]byte, 8096)
			n := runtime.Stack(fullStack, false)
			err = &HookPanic{Value: r, Stack: cleanStackTrace(fullStack[:n])}
		}
	}()
	return hook.Run(ctx)
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() frame and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}

// GetGoroutineID returns the id of the calling goroutine as printed in its
// stack header.
func GetGoroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	idField := strings.Fields(strings.TrimPrefix(string(buf), "goroutine "))[0]
	id, _ := strconv.ParseUint(idField, 10, 64)
	return id
}
