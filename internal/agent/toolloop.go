package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// toolLoopWarnThreshold/toolLoopCriticalThreshold are the repeat counts at
// which a tool call with identical name+args (and, once seen, identical
// result) trips the warning/critical loop-detection levels.
const (
	toolLoopWarnThreshold     = 3
	toolLoopCriticalThreshold = 6
)

type toolLoopEntry struct {
	count       int
	lastResult  string
	sameResultN int
}

// toolLoopState detects a model stuck calling the same tool with the same
// arguments repeatedly without making progress (the result stays identical
// call after call). Zero value is ready to use.
type toolLoopState struct {
	entries map[string]*toolLoopEntry
}

// record registers one tool call and returns a stable hash of name+args used
// to correlate the call with its result and with future repeats.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	if s.entries == nil {
		s.entries = make(map[string]*toolLoopEntry)
	}
	hash := hashToolCall(name, args)
	e, ok := s.entries[hash]
	if !ok {
		e = &toolLoopEntry{}
		s.entries[hash] = e
	}
	e.count++
	return hash
}

// recordResult records the tool's output for a previously-recorded call hash.
func (s *toolLoopState) recordResult(hash, result string) {
	e, ok := s.entries[hash]
	if !ok {
		return
	}
	if e.count > 1 && e.lastResult == result {
		e.sameResultN++
	} else {
		e.sameResultN = 0
	}
	e.lastResult = result
}

// detect returns ("warning"|"critical", message) once a call hash has
// repeated with an unchanged result past the warn/critical thresholds, or
// ("", "") if the call is not in a loop.
func (s *toolLoopState) detect(name, hash string) (string, string) {
	e, ok := s.entries[hash]
	if !ok || e.sameResultN == 0 {
		return "", ""
	}
	switch {
	case e.sameResultN >= toolLoopCriticalThreshold:
		return "critical", fmt.Sprintf("tool %q returned the same result %d times in a row", name, e.sameResultN+1)
	case e.sameResultN >= toolLoopWarnThreshold:
		return "warning", fmt.Sprintf("You've called %q with the same arguments and gotten the same result %d times — try a different approach instead of repeating this call.", name, e.sameResultN+1)
	default:
		return "", ""
	}
}

func hashToolCall(name string, args map[string]interface{}) string {
	argsJSON, _ := json.Marshal(args)
	sum := sha256.Sum256([]byte(name + ":" + string(argsJSON)))
	return hex.EncodeToString(sum[:])
}
