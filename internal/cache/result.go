package cache

// ResultKind classifies the outcome of a cache lookup.
type ResultKind int

const (
	// KindMiss means no layer held a valid entry.
	KindMiss ResultKind = iota
	// KindHit means a valid entry was found.
	KindHit
	// KindDegraded means an internal failure was swallowed and the
	// lookup fell back to a miss. The cause is carried for tests and
	// logs; callers still treat it as a miss.
	KindDegraded
)

// Result reports how a lookup resolved. It exists so degradation is
// observable without relying on log side channels.
type Result struct {
	Kind  ResultKind
	Layer string
	Cause error
}

// Hit reports whether the lookup produced a usable value.
func (r Result) Hit() bool { return r.Kind == KindHit }

func hitResult(layer string) Result   { return Result{Kind: KindHit, Layer: layer} }
func missResult() Result              { return Result{Kind: KindMiss} }
func degradedResult(err error) Result { return Result{Kind: KindDegraded, Cause: err} }
