package cqrs

// Query is a read-only request, named as a verb phrase in present tense
// (e.g. "GetUser").
type Query interface {
	NameProvider
}

// QueryHandler answers one Query type with a typed result.
type QueryHandler[Q Query, R any] interface {
	Handle(query Q) (R, error)
}

// QueryBus routes a Query to its registered QueryHandler and returns the
// handler's result as interface{}; callers type-assert to R themselves.
type QueryBus interface {
	ActionProvider
	Dispatch(query Query) (interface{}, error)
}
