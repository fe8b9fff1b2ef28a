// Suite of components that can be composed to make a terminal session logging pipeline.
// Destination sinks (file, memory) persist packets, while decorators (instrumented,
// buffered, rate-limited) wrap a destination to add behaviour without the destination
// needing to know about it.
//
// A decorator is handed its destination as either owned or borrowed. Closing a decorator
// closes an owned destination after releasing its own resources, and leaves a borrowed
// destination usable by whoever lent it.
package sinks
