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

package log

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/layerforge/layerforge/testutil"
)

func TestEntryCarriesEventContext(t *testing.T) {
	testutil.Run(t, "with event context", func(t *testutil.T) {
		ctx := WithEventContext(context.Background(), "Deliver", "registry")

		entry := Entry(ctx)

		t.CheckDeepEqual("Deliver", entry.Data["task"])
		t.CheckDeepEqual("registry", entry.Data["subtask"])
	})

	testutil.Run(t, "without event context", func(t *testutil.T) {
		entry := Entry(context.Background())

		t.CheckDeepEqual("Build", entry.Data["task"])
	})
}

func TestSetLevel(t *testing.T) {
	testutil.Run(t, "valid level", func(t *testutil.T) {
		previous := logrus.GetLevel()
		defer logrus.SetLevel(previous)

		t.CheckNoError(SetLevel("debug"))
		t.CheckDeepEqual(logrus.DebugLevel, logrus.GetLevel())
	})

	testutil.Run(t, "unparsable level", func(t *testutil.T) {
		t.CheckError(true, SetLevel("chatty"))
	})
}
