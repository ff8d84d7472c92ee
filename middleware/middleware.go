// Package middleware provides a server-side interceptor chain wrapped
// around session dispatch.
package middleware

import (
	"context"

	"mini-rmi/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Interceptor func(next HandlerFunc) HandlerFunc

// Chain combines several interceptors into one. Chain(A, B, C)(handler)
// yields A(B(C(handler))): A sees the request first and the response last.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}
