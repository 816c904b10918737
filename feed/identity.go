package feed

import "unsafe"

// handlerID returns the identity of h: the address of its function value.
// A closure that captures variables gets a new identity each time its
// literal is evaluated. A literal that captures nothing is allocated
// statically by the compiler, so every evaluation shares one identity, as
// does a top-level function or a method value stored once. Nil handlers
// have identity 0.
func handlerID(h Handler) uintptr {
	if h == nil {
		return 0
	}
	return *(*uintptr)(unsafe.Pointer(&h))
}

// handlerSet is the identity of the three per-event handlers
type handlerSet [3]uintptr

func handlerIDs(opts Options) handlerSet {
	return handlerSet{
		handlerID(opts.OnInsert),
		handlerID(opts.OnUpdate),
		handlerID(opts.OnDelete),
	}
}
