/*
Copyright 2024 The Layerforge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package build

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// runOrdered runs fn for indices [0,n) with at most limit in flight.
// After the first failure no new work starts, but in-flight work runs to
// completion, and the error for the lowest index wins. Results therefore
// come out deterministic even when completion order is not.
func runOrdered(ctx context.Context, n, limit int, fn func(i int) error) error {
	var g errgroup.Group
	g.SetLimit(limit)

	errs := make([]error, n)
	var failed atomic.Bool

	for i := 0; i < n; i++ {
		if failed.Load() {
			break
		}
		if err := ctx.Err(); err != nil {
			errs[i] = err
			break
		}
		i := i
		g.Go(func() error {
			if err := fn(i); err != nil {
				errs[i] = err
				failed.Store(true)
			}
			// Errors surface by index, not arrival order.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
