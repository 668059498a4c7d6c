package listing

// methodProtector is a one-shot reentrancy suppressor scoped to one
// instruction instance. It is not a lock: it prevents the instance's own
// mutation path from re-entering itself through reference-store
// notifications, nothing more. Callers already hold the space write lock.
type methodProtector struct {
	busy bool
}

// take runs f with the guard held.
func (p *methodProtector) take(f func()) {
	if p.busy {
		f()
		return
	}
	p.busy = true
	defer func() { p.busy = false }()
	f()
}

// avoid runs f only if the guard is not currently held.
func (p *methodProtector) avoid(f func()) {
	if p.busy {
		return
	}
	f()
}
