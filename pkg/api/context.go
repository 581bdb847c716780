package api

import "context"

type operatorKey struct{}

// WithOperator attaches an authenticated operator identity to the context.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

// OperatorFrom returns the authenticated operator, if any.
func OperatorFrom(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorKey{}).(string)
	return op, ok && op != ""
}
