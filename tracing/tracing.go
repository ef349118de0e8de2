// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package tracing is a small distributed tracing facade. Lookups, fills and
// HTTP requests start spans through GlobalTracer, which does nothing unless
// the server installs a real tracer.
package tracing

import (
	"context"
	"net/http"
)

// Tags set on engine spans.
const (
	TagView   = "ivm.view"
	TagStatus = "ivm.lookup.status"
	TagError  = "error"
)

// GlobalTracer is the tracer used by StartSpanFromContext.
var GlobalTracer Tracer = NopTracer()

// StartSpanFromContext starts a span on GlobalTracer, as a child of the span
// in ctx if there is one.
func StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context) {
	return GlobalTracer.StartSpanFromContext(ctx, operationName)
}

// Fail marks span as failed with err. A nil err is ignored.
func Fail(span Span, err error) {
	if err == nil {
		return
	}
	span.SetTag(TagError, true)
	span.LogKV("error", err.Error())
}

type Tracer interface {
	StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context)

	// InjectHTTPHeaders carries the span in r's context to the server.
	InjectHTTPHeaders(r *http.Request)

	// ExtractHTTPHeaders starts a server span continuing the client's trace.
	ExtractHTTPHeaders(r *http.Request) (Span, context.Context)
}

// Span is one timed operation in a trace.
type Span interface {
	Finish()
	LogKV(alternatingKeyValues ...interface{})
	SetTag(key string, value interface{})
}

// NopTracer returns a tracer whose spans record nothing.
func NopTracer() Tracer { return nopTracer{} }

type nopTracer struct{}

func (nopTracer) StartSpanFromContext(ctx context.Context, _ string) (Span, context.Context) {
	return nopSpan{}, ctx
}

func (nopTracer) InjectHTTPHeaders(*http.Request) {}

func (nopTracer) ExtractHTTPHeaders(r *http.Request) (Span, context.Context) {
	return nopSpan{}, r.Context()
}

type nopSpan struct{}

func (nopSpan) Finish()                    {}
func (nopSpan) LogKV(...interface{})       {}
func (nopSpan) SetTag(string, interface{}) {}
