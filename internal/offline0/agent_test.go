package offline0

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"offline0/internal/logger"
)

func TestAgentStartAndStatus(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok "+r.URL.Path)
	}))
	defer origin.Close()

	cfg := testConfig(t, origin.URL, "install:\n  manifest: [/, /main.js]\n")
	store := newTestStore(t, 0)
	a := NewAgent(cfg, store, nil, nil, logger.Discard())
	defer a.Close()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/main.js", nil))
	if rec.Body.String() != "ok /main.js" || rec.Header().Get("X-Offline0") != string(SourceCache) {
		t.Fatalf("precached asset: %q from %q", rec.Body.String(), rec.Header().Get("X-Offline0"))
	}
	a.Settle()

	st := a.Status()
	if st.State != StateActivated || st.Version != "v1" || st.Entries != 2 || st.Stats.Cache != 1 {
		t.Errorf("status = %+v", st)
	}
}
