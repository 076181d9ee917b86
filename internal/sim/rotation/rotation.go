// Package rotation maps operator consoles to live sessions under a shift
// offset. The mapping is pure arithmetic; callers recompute it on every send
// rather than caching routes.
package rotation

// SessionForOperator returns the session an operator console is currently
// wired to. Operators and sessions are numbered 1..n.
func SessionForOperator(operator, offset, n int) int {
	return ((operator - 1 + offset) % n) + 1
}

// OperatorForSession is the exact inverse of SessionForOperator for any
// offset, including offsets larger than n.
func OperatorForSession(session, offset, n int) int {
	return ((session-1-offset)%n+n)%n + 1
}

// Normalize folds an arbitrary non-negative offset into [0, n).
func Normalize(offset, n int) int {
	return ((offset % n) + n) % n
}
