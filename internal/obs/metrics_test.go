package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/module-requests/abc":           "/v1/module-requests/:id",
		"/v1/module-requests/abc/approve":   "/v1/module-requests/:id/approve",
		"/v1/modules/risk-analysis/access":  "/v1/modules/:id/access",
		"/v1/module-requests":               "/v1/module-requests",
		"/v1/module-requests?status=open":   "/v1/module-requests",
		"/v1/roles/assignments":             "/v1/roles/assignments",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
