// Copyright 2024 The Dispatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dispatchcore/dispatch"

// DispatchTraced wraps Dispatch in a "dispatch.serve" span recording the
// dispatch type and the target path and target name as passed in. The
// resolved handler and whether the chain was found in cache are not recorded.
// Call sites that don't need tracing can keep calling Dispatch directly;
// this wrapper adds nothing to the hot path beyond a tracer lookup and a
// span start/end when a TracerProvider is configured.
func (d *Dispatcher) DispatchTraced(ctx context.Context, dispatchType DispatchType, targetPath, targetName string, w http.ResponseWriter, r *http.Request) error {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "dispatch.serve", trace.WithAttributes(
		attribute.String("dispatch.type", dispatchType.String()),
		attribute.String("dispatch.path", targetPath),
		attribute.String("dispatch.target_name", targetName),
	))
	defer span.End()

	err := d.Dispatch(dispatchType, targetPath, targetName, w, r.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
	}
	return err
}
