// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package repeat drives an operation across a batch of independent items
// (job directories on the CLI command line, typically), isolating one
// item's failure from the rest and letting the caller register per-error
// handling instead of aborting the whole batch.
package repeat

// Handler reacts to an error raised while processing an item. It receives
// the error and the Repeater so it can inspect progress (Index,
// CurrentItem) or record further state.
type Handler func(err error, r *Repeater)

// Repeater runs Func once per Item, dispatching any error to the Handler
// registered under the key that Run's classifier returns for it. Errors
// whose key has no Handler propagate and stop the run.
type Repeater struct {
	Items []any
	Func  func(item any) error

	// Errors maps the index of each failed item to the error it raised.
	Errors map[int]error

	// Index is the position of the item currently being processed.
	Index int

	handlers map[string]Handler
}

// New builds a Repeater over items, calling fn for each.
func New(items []any, fn func(item any) error) *Repeater {
	return &Repeater{
		Items:    items,
		Func:     fn,
		Errors:   make(map[int]error),
		handlers: make(map[string]Handler),
	}
}

// OnError registers handler for errors matching key, a caller-chosen tag
// (typically the qerrors.Category the caller wants to intercept).
func (r *Repeater) OnError(key string, handler Handler) {
	r.handlers[key] = handler
}

// CurrentItem returns the item at Index.
func (r *Repeater) CurrentItem() any {
	return r.Items[r.Index]
}

// classifier reports the handler key that should intercept err, or ""
// if the error should propagate unhandled.
type classifier func(err error) string

// Run executes Func over every item. classify maps an error to the
// handler key registered via OnError; if classify returns a key with no
// registered handler, the error propagates and Run stops.
func (r *Repeater) Run(classify classifier) error {
	for i, item := range r.Items {
		r.Index = i
		err := r.Func(item)
		if err == nil {
			continue
		}

		key := classify(err)
		handler, ok := r.handlers[key]
		if !ok {
			return err
		}

		r.Errors[i] = err
		handler(err, r)
	}
	return nil
}
