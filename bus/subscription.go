package bus

import (
	"context"
	"reflect"
)

// Handler receives published payloads. Subscriptions built with Object wrap a
// Handler; if it also implements Canceler the subscription is cancelable.
type Handler[T any] interface {
	Handle(ctx context.Context, v *T)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc[T any] func(ctx context.Context, v *T)

// Handle calls f.
func (f HandlerFunc[T]) Handle(ctx context.Context, v *T) { f(ctx, v) }

// Canceler is implemented by handlers whose in-flight invocation can be
// interrupted by Bus.Reset.
type Canceler interface {
	Cancel()
}

type subKind uint8

const (
	kindNull subKind = iota
	kindMethod
	kindFunc
	kindKey
	kindObject
	kindProxy
)

// identity is what two subscriptions are compared by. Constructors only
// accept keys, extras and handler objects whose dynamic values are
// comparable, so comparing identities never panics.
type identity struct {
	kind  subKind
	obj   any
	code  uintptr
	extra any
}

// Subscription is a value-type handle for a callable bound to a bus. Two
// subscriptions are equal when they refer to the same object and method (and
// extra value), the same function, the same key, the same handler object, or
// the same proxy target. The zero Subscription is the null subscription: it
// is never registered and calling it does nothing.
type Subscription[T any] struct {
	id     identity
	fn     func(ctx context.Context, v *T)
	cancel func()
}

// Method binds a method expression to obj, for example
// bus.Method(task, (*DownloadTask).onProgress).
func Method[T, O any](obj *O, method func(*O, context.Context, *T)) Subscription[T] {
	if obj == nil || method == nil {
		return Subscription[T]{}
	}
	return Subscription[T]{
		id: identity{kind: kindMethod, obj: obj, code: codeOf(method)},
		fn: func(ctx context.Context, v *T) { method(obj, ctx, v) },
	}
}

// MethodExtra binds a method expression to obj together with an extra value
// passed on every call. The extra value is part of the identity, so the same
// method can be subscribed once per extra value. An extra whose dynamic value
// is not comparable (an interface holding a slice, say) yields the null
// subscription.
func MethodExtra[T, O any, E comparable](obj *O, method func(*O, context.Context, *T, E), extra E) Subscription[T] {
	if obj == nil || method == nil || !comparableValue(extra) {
		return Subscription[T]{}
	}
	return Subscription[T]{
		id: identity{kind: kindMethod, obj: obj, code: codeOf(method), extra: extra},
		fn: func(ctx context.Context, v *T) { method(obj, ctx, v, extra) },
	}
}

// Func binds a plain function. Its identity is the function's code address,
// so closures created from the same literal compare equal; use Keyed when
// several closures must coexist.
func Func[T any](fn func(ctx context.Context, v *T)) Subscription[T] {
	if fn == nil {
		return Subscription[T]{}
	}
	return Subscription[T]{
		id: identity{kind: kindFunc, code: codeOf(fn)},
		fn: fn,
	}
}

// Keyed binds fn under an explicit key that serves as its identity. A key
// whose dynamic value is not comparable yields the null subscription.
func Keyed[T any, K comparable](key K, fn func(ctx context.Context, v *T)) Subscription[T] {
	if fn == nil || !comparableValue(key) {
		return Subscription[T]{}
	}
	return Subscription[T]{
		id: identity{kind: kindKey, obj: key},
		fn: fn,
	}
}

// Object binds a handler object; its identity is the handler value itself,
// which must be comparable (normally a pointer).
func Object[T any](h Handler[T]) Subscription[T] {
	if h == nil {
		return Subscription[T]{}
	}
	if f, ok := h.(HandlerFunc[T]); ok {
		return Func[T](f)
	}
	if !comparableValue(h) {
		return Subscription[T]{}
	}
	sub := Subscription[T]{
		id: identity{kind: kindObject, obj: h},
		fn: h.Handle,
	}
	if c, ok := h.(Canceler); ok {
		sub.cancel = c.Cancel
	}
	return sub
}

// Proxy forwards every payload to target. Cycles between proxies are not
// detected.
func Proxy[T any](target *Bus[T]) Subscription[T] {
	if target == nil {
		return Subscription[T]{}
	}
	return Subscription[T]{
		id: identity{kind: kindProxy, obj: target},
		fn: target.Publish,
	}
}

// IsNull reports whether s is the null subscription.
func (s Subscription[T]) IsNull() bool {
	return s.id.kind == kindNull
}

// Cancelable reports whether Bus.Reset can interrupt s while it runs.
func (s Subscription[T]) Cancelable() bool {
	return s.cancel != nil
}

// Equal reports whether s and other have the same identity.
func (s Subscription[T]) Equal(other Subscription[T]) bool {
	a, b := s.id, other.id
	if a.kind != b.kind || a.code != b.code {
		return false
	}
	return sameValue(a.obj, b.obj) && sameValue(a.extra, b.extra)
}

// Call invokes the subscription. Calling the null subscription does nothing.
func (s Subscription[T]) Call(ctx context.Context, v *T) {
	if s.fn == nil {
		return
	}
	s.fn(ctx, v)
}

// comparableValue reports whether x can be compared with == without
// panicking, looking through interfaces to the values they hold.
func comparableValue(x any) bool {
	return x == nil || reflect.ValueOf(x).Comparable()
}

func sameValue(a, b any) bool {
	if !comparableValue(a) || !comparableValue(b) {
		return false
	}
	return a == b
}

func codeOf(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}
