// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package opentracing backs tracing.Tracer with an opentracing.Tracer such
// as jaeger.
package opentracing

import (
	"context"
	"net/http"

	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/tracing"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

var _ tracing.Tracer = (*Tracer)(nil)

type Tracer struct {
	tracer opentracing.Tracer
	logger logger.Logger
}

func NewTracer(tracer opentracing.Tracer, logger logger.Logger) *Tracer {
	return &Tracer{tracer: tracer, logger: logger}
}

// span drops the return value of opentracing's chaining SetTag.
type span struct {
	opentracing.Span
}

func (s span) SetTag(key string, value interface{}) {
	if key == tracing.TagError {
		ext.Error.Set(s.Span, value == true)
		return
	}
	s.Span.SetTag(key, value)
}

func (t *Tracer) StartSpanFromContext(ctx context.Context, operationName string) (tracing.Span, context.Context) {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	s := t.tracer.StartSpan(operationName, opts...)
	return span{s}, opentracing.ContextWithSpan(ctx, s)
}

func (t *Tracer) InjectHTTPHeaders(r *http.Request) {
	s := opentracing.SpanFromContext(r.Context())
	if s == nil {
		return
	}
	carrier := opentracing.HTTPHeadersCarrier(r.Header)
	if err := t.tracer.Inject(s.Context(), opentracing.HTTPHeaders, carrier); err != nil {
		t.logger.Warnf("injecting trace headers for %s: %v", r.URL.Path, err)
	}
}

// ExtractHTTPHeaders starts a server span named after the request. A
// request without trace headers starts a new trace.
func (t *Tracer) ExtractHTTPHeaders(r *http.Request) (tracing.Span, context.Context) {
	remote, _ := t.tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(r.Header))
	s := t.tracer.StartSpan(r.Method+" "+r.URL.Path, ext.RPCServerOption(remote))
	ext.HTTPMethod.Set(s, r.Method)
	ext.HTTPUrl.Set(s, r.URL.Path)
	return span{s}, opentracing.ContextWithSpan(r.Context(), s)
}
