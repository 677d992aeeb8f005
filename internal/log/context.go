// SPDX-License-Identifier: MIT
package log

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	correlationKey
)

// WithContext stores a logger in ctx so request-scoped fields travel with
// the call chain.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger stored by WithContext, or the base
// logger when none is present.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
			return l
		}
	}
	return L()
}

// ContextWithCorrelationID tags ctx with a correlation ID, generating one
// when id is empty, and stores a logger carrying the ID.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	ctx = context.WithValue(ctx, correlationKey, id)
	return WithContext(ctx, FromContext(ctx).With().Str(FieldCorrelationID, id).Logger())
}

// CorrelationID returns the correlation ID carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}
