// Package clock provides the scheduler handle passed into every stream component.
//
// Components never call time.AfterFunc or time.After directly; they go through a
// Clock so tests can drive reconnect waits and keep-alive timers deterministically
// with a Manual clock.
package clock
