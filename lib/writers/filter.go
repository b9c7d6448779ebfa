// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package writers

import (
	"context"
	"fmt"

	log "github.com/golang/glog"
	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"
)

// RecordFilter is a type that can be used to filter Records before they are buffered.
type RecordFilter interface {
	Apply(context.Context, *Record) bool
}

// CELPredicate is a RecordFilter that uses a CEL program to apply filtering to Records.
type CELPredicate struct {
	prg cel.Program
}

// Apply returns true iff the underlying CEL program returns true for the given record.
func (c *CELPredicate) Apply(_ context.Context, r *Record) bool {
	// A map[string]interface{} is not a CEL value, so convert through structpb.
	rs, err := structpb.NewStruct(map[string]interface{}{
		"uuid":    r.UUID,
		"payload": r.Payload,
	})
	if err != nil {
		log.Errorf("failed to convert record %q into protobuf Struct: %v", r.UUID, err)
		return false
	}

	out, _, err := c.prg.Eval(map[string]interface{}{"record": rs})
	if err != nil {
		log.Errorf("failed to evaluate the CEL filter: %v", err)
		return false
	}

	match, ok := out.Value().(bool)
	if !ok {
		log.Errorf("failed to convert output of CEL filter program to a boolean: %v", out)
		return false
	}

	return match
}

// MakeCELPredicate returns a CELPredicate for the given filter string of CEL code.
func MakeCELPredicate(filter string) (*CELPredicate, error) {
	env, err := cel.NewEnv(
		// Treat the `record` input as a map[string]interface{} - a.k.a JSON.
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create a CEL env: %w", err)
	}

	ast, iss := env.Compile(filter)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL filter %q: %w", filter, iss.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &CELPredicate{prg}, nil
}
