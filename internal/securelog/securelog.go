// Package securelog logs operational events and errors without ever writing
// user payloads. Usernames, ciphertext, and keys must not reach the log;
// callers pass stable context strings and connection identifiers only.
package securelog

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
)

// Error logs an error with the caller location and the error's type chain.
// The error message itself is not logged; wrapped error types carry enough
// shape for debugging without leaking what a user typed.
func Error(context string, err error) {
	if err == nil {
		return
	}
	loc := callerLocation(2)
	types := strings.Join(errorTypes(err), "->")
	if context == "" {
		log.Printf("error at %s types=%s", loc, types)
		return
	}
	log.Printf("error at %s context=%s types=%s", loc, context, types)
}

// Event logs a lifecycle event keyed by a connection identifier.
func Event(context, connID string) {
	if connID == "" {
		log.Printf("event %s", context)
		return
	}
	log.Printf("event %s conn=%s", context, connID)
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
