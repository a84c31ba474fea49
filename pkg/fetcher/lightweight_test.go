// Copyright 2026 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/render"
)

func lightweightFetch(t *testing.T, page string, budget time.Duration) (*TierResult, error) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f := NewLightweightFetcher(render.NewMarkdown(), budget)
	return f.Fetch(context.Background(), u, Options{})
}

func TestLightweight_ScriptMutatesDOM(t *testing.T) {
	page := `<html><body><div id="out">before</div>
<script>document.getElementById("out").textContent = "after";</script>
</body></html>`

	res, err := lightweightFetch(t, page, 0)
	require.NoError(t, err)
	assert.Contains(t, res.Rendered.Text, "after")
	assert.NotContains(t, res.Rendered.Text, "before")
}

func TestLightweight_CreateAndAppendElement(t *testing.T) {
	page := `<html><body><div id="root"></div>
<script>
var el = document.createElement("p");
el.textContent = "appended paragraph";
document.querySelector("#root").appendChild(el);
</script>
</body></html>`

	res, err := lightweightFetch(t, page, 0)
	require.NoError(t, err)
	assert.Contains(t, res.Rendered.Text, "appended paragraph")
	// The scratch marker never survives into the output.
	assert.NotContains(t, res.HTML, "data-quarry-detached")
}

func TestLightweight_UnappendedElementIsDropped(t *testing.T) {
	page := `<html><body><p>kept</p>
<script>
var orphan = document.createElement("div");
orphan.textContent = "never appended";
</script>
</body></html>`

	res, err := lightweightFetch(t, page, 0)
	require.NoError(t, err)
	assert.Contains(t, res.Rendered.Text, "kept")
	assert.NotContains(t, res.Rendered.Text, "never appended")
}

func TestLightweight_BrokenScriptIsSkipped(t *testing.T) {
	page := `<html><body><div id="out">start</div>
<script>this is not javascript at all (</script>
<script>document.getElementById("out").textContent = "recovered";</script>
</body></html>`

	res, err := lightweightFetch(t, page, 0)
	require.NoError(t, err)
	assert.Contains(t, res.Rendered.Text, "recovered")
}

func TestLightweight_BudgetOverrunClassifiesTimeout(t *testing.T) {
	page := `<html><body><script>while (true) {}</script></body></html>`

	_, err := lightweightFetch(t, page, 50*time.Millisecond)
	require.Error(t, err)

	var cerr *classifiedError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ClassTimeout, cerr.class)
	assert.Contains(t, err.Error(), "budget")
}

func TestLightweight_ExternalScriptsIgnored(t *testing.T) {
	page := `<html><body><p>` + strings.Repeat("static ", 40) + `</p>
<script src="https://cdn.example.com/huge-bundle.js"></script>
</body></html>`

	res, err := lightweightFetch(t, page, 0)
	require.NoError(t, err)
	assert.Contains(t, res.Rendered.Text, "static")
}
