package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSaveCountsOperationsOnlyWhenCommitted(t *testing.T) {
	collectors, err := NewCollectors()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	collectors.ObserveSave(OutcomeCommitted, 20*time.Millisecond, 1, 2, 3)
	collectors.ObserveSave(OutcomeFailed, 5*time.Millisecond, 9, 9, 9)
	collectors.ObserveSave(OutcomeNoop, time.Millisecond, 0, 0, 0)

	if got := testutil.ToFloat64(collectors.saveCycles.WithLabelValues(OutcomeCommitted)); got != 1 {
		t.Fatalf("expected one committed cycle, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.saveCycles.WithLabelValues(OutcomeFailed)); got != 1 {
		t.Fatalf("expected one failed cycle, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.saveOperations.WithLabelValues("delete")); got != 3 {
		t.Fatalf("expected three deletes, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.saveOperations.WithLabelValues("update")); got != 2 {
		t.Fatalf("expected two updates, got %v", got)
	}
}

func TestNilCollectorsAreInert(t *testing.T) {
	var collectors *Collectors
	collectors.ObserveSave(OutcomeCommitted, time.Second, 1, 1, 1)
	collectors.ObserveRetry()
	collectors.EditorSessionOpened()
	collectors.EditorSessionClosed()
	if collectors.Handler() == nil {
		t.Fatalf("expected handler even without collectors")
	}
}

func TestHandlerExposesAutosaveSeries(t *testing.T) {
	collectors, err := NewCollectors()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collectors.ObserveRetry()
	collectors.EditorSessionOpened()

	recorder := httptest.NewRecorder()
	collectors.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	for _, series := range []string{"blocknotes_autosave_retries_total 1", "blocknotes_editor_sessions 1"} {
		if !strings.Contains(body, series) {
			t.Fatalf("expected %q in exposition", series)
		}
	}
}
