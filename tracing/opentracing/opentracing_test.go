// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package opentracing_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/tracing"
	ivmot "github.com/featurebasedb/ivm/tracing/opentracing"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracer_ChildSpans(t *testing.T) {
	mock := mocktracer.New()
	tr := ivmot.NewTracer(mock, logger.NopLogger)

	parent, ctx := tr.StartSpanFromContext(context.Background(), "Lookup")
	child, _ := tr.StartSpanFromContext(ctx, "Upquery")
	child.LogKV("view", "frontpage")
	child.Finish()
	parent.Finish()

	spans := mock.FinishedSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "Upquery", spans[0].OperationName)
	assert.Equal(t, spans[1].SpanContext.SpanID, spans[0].ParentID)
}

func TestTracer_HTTPHeaders(t *testing.T) {
	mock := mocktracer.New()
	tr := ivmot.NewTracer(mock, logger.NopLogger)

	_, ctx := tr.StartSpanFromContext(context.Background(), "client")
	req := httptest.NewRequest("GET", "/lookup/frontpage", nil).WithContext(ctx)
	tr.InjectHTTPHeaders(req)
	assert.NotEmpty(t, req.Header)

	span, _ := tr.ExtractHTTPHeaders(req)
	span.Finish()
	spans := mock.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /lookup/frontpage", spans[0].OperationName)
	assert.NotZero(t, spans[0].ParentID)
}

func TestTracer_Tags(t *testing.T) {
	mock := mocktracer.New()
	tr := ivmot.NewTracer(mock, logger.NopLogger)

	span, _ := tr.StartSpanFromContext(context.Background(), "Engine.Lookup")
	span.SetTag(tracing.TagView, "frontpage")
	tracing.Fail(span, errors.New("boom"))
	tracing.Fail(span, nil)
	span.Finish()

	spans := mock.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "frontpage", spans[0].Tag(tracing.TagView))
	assert.Equal(t, true, spans[0].Tag("error"))
	require.Len(t, spans[0].Logs(), 1)
}
