package campoquery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCompileFilterFormulaSinglePredicateUnwrapped(t *testing.T) {
	filters := Filters{}.Set("coordinador", "Juan Pérez")

	formula := CompileFilterFormula(filters)

	want := "{nombrecoordinador}='Juan Pérez'"
	if formula != want {
		t.Errorf("formula = %q, want %q", formula, want)
	}
	if strings.Contains(formula, "AND") {
		t.Error("single predicate should not be wrapped in AND")
	}
}

func TestCompileFilterFormulaTemplates(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  string
	}{
		{"fecha_desde", "2024-01-01", "IS_AFTER({fechadevolucion}, '2024-01-01')"},
		{"fecha_hasta", "2024-06-30", "IS_BEFORE({fechadevolucion}, '2024-06-30')"},
		{"coordinador", "Ana", "{nombrecoordinador}='Ana'"},
		{"municipio", "Pasto", "OR({municipiogenerador}='Pasto', {municipiodevolucion}='Pasto')"},
		{"municipio_generador", "Ipiales", "{municipiogenerador}='Ipiales'"},
		{"municipio_devolucion", "Túquerres", "{municipiodevolucion}='Túquerres'"},
		{"tipo_movimiento", "ENTRADA", "{tipo_movimiento}='ENTRADA'"},
	}

	for _, tt := range tests {
		got := CompileFilterFormula(Filters{}.Set(tt.key, tt.value))
		if got != tt.want {
			t.Errorf("formula for %s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestCompileFilterFormulaCombinesWithAND(t *testing.T) {
	filters := Filters{}.
		Set("coordinador", "Ana").
		Set("fecha_desde", "2024-01-01")

	formula := CompileFilterFormula(filters)

	want := "AND({nombrecoordinador}='Ana', IS_AFTER({fechadevolucion}, '2024-01-01'))"
	if formula != want {
		t.Errorf("formula = %q, want %q", formula, want)
	}
}

func TestCompileFilterFormulaPreservesInsertionOrder(t *testing.T) {
	filters := Filters{}.
		Set("fecha_desde", "2024-01-01").
		Set("coordinador", "Ana")

	formula := CompileFilterFormula(filters)

	if !strings.HasPrefix(formula, "AND(IS_AFTER") {
		t.Errorf("expected fecha_desde predicate first, got %q", formula)
	}
}

func TestCompileFilterFormulaEscapesQuotes(t *testing.T) {
	formula := CompileFilterFormula(Filters{}.Set("coordinador", "O'Brien"))

	if !strings.Contains(formula, `\'`) {
		t.Errorf("expected escaped quote in %q", formula)
	}
}

func TestDescribeFilters(t *testing.T) {
	filters := Filters{}.
		Set("fecha_desde", "2024-01-01").
		Set("coordinador", "Ana").
		Set("zona", "norte")

	desc := DescribeFilters(filters)

	want := "desde 2024-01-01, coordinador Ana, zona = norte"
	if desc != want {
		t.Errorf("description = %q, want %q", desc, want)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*AirtableClient, *int32) {
	t.Helper()
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	client := NewAirtableClient(AirtableConfig{
		APIKey:  "test-key",
		BaseID:  "appTEST",
		BaseURL: ts.URL,
		Timeout: 5 * time.Second,
	}, nil)
	return client, &calls
}

func TestExecuteMissingTableSkipsNetwork(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[]}`))
	})

	summary, records, err := client.Execute(context.Background(), QueryIntent{})

	if err == nil {
		t.Fatal("expected error for missing table")
	}
	if ErrorCode(err) != ErrCodeState {
		t.Errorf("error code = %s, want %s", ErrorCode(err), ErrCodeState)
	}
	if records != nil {
		t.Error("records should be nil on error")
	}
	if summary == "" {
		t.Error("summary should explain the problem to the user")
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Errorf("expected no network call, got %d", *calls)
	}
}

func TestExecuteMissingCredentials(t *testing.T) {
	client := NewAirtableClient(AirtableConfig{}, nil)

	_, records, err := client.Execute(context.Background(), QueryIntent{Table: TableCertificados})

	if ErrorCode(err) != ErrCodeConfig {
		t.Errorf("error code = %s, want %s", ErrorCode(err), ErrCodeConfig)
	}
	if records != nil {
		t.Error("records should be nil on error")
	}
}

func TestExecuteZeroRecords(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[]}`))
	})

	q := QueryIntent{
		Table:   TableCertificados,
		Filters: Filters{}.Set("coordinador", "X"),
		Limit:   100,
	}
	summary, records, err := client.Execute(context.Background(), q)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("expected empty record slice, got %v", records)
	}
	if !strings.Contains(summary, "Certificados") {
		t.Errorf("summary should name the table: %q", summary)
	}
	if !strings.Contains(summary, "X") {
		t.Errorf("summary should render the filter value: %q", summary)
	}
}

func TestExecuteRemoteError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"type":"INVALID_FILTER_BY_FORMULA","message":"secret upstream detail"}}`))
	})

	summary, records, err := client.Execute(context.Background(), QueryIntent{Table: TableCertificados})

	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if ErrorCode(err) != ErrCodeRemoteQuery {
		t.Errorf("error code = %s, want %s", ErrorCode(err), ErrCodeRemoteQuery)
	}
	if !strings.Contains(err.Error(), "422") {
		t.Errorf("error should carry the status code: %v", err)
	}
	if records != nil {
		t.Error("records should be nil on error")
	}
	if !strings.Contains(summary, "422") {
		t.Errorf("summary should name the status code: %q", summary)
	}
	if strings.Contains(summary, "secret upstream detail") {
		t.Errorf("summary must not expose upstream text: %q", summary)
	}
}

func TestExecuteTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"records":[]}`))
	}))
	defer ts.Close()

	client := NewAirtableClient(AirtableConfig{
		APIKey:  "test-key",
		BaseID:  "appTEST",
		BaseURL: ts.URL,
		Timeout: 20 * time.Millisecond,
	}, nil)

	summary, records, err := client.Execute(context.Background(), QueryIntent{Table: TableKardex})

	if ErrorCode(err) != ErrCodeTimeout {
		t.Errorf("error code = %s, want %s", ErrorCode(err), ErrCodeTimeout)
	}
	if records != nil {
		t.Error("records should be nil on timeout")
	}
	if !strings.Contains(summary, "filtros más específicos") {
		t.Errorf("timeout summary should suggest narrowing filters: %q", summary)
	}
}

func TestExecuteConnectionError(t *testing.T) {
	client := NewAirtableClient(AirtableConfig{
		APIKey:  "test-key",
		BaseID:  "appTEST",
		BaseURL: "http://127.0.0.1:1",
		Timeout: 2 * time.Second,
	}, nil)

	_, _, err := client.Execute(context.Background(), QueryIntent{Table: TableKardex})

	if ErrorCode(err) != ErrCodeConnection {
		t.Errorf("error code = %s, want %s", ErrorCode(err), ErrCodeConnection)
	}
}

func TestExecuteSendsQueryParameters(t *testing.T) {
	var gotQuery map[string][]string
	var gotAuth string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"records":[{"id":"rec1","fields":{"total":10}}]}`))
	})

	q := QueryIntent{
		Table:   TableCertificados,
		Filters: Filters{}.Set("coordinador", "Ana").Set("municipio", "Pasto"),
		Fields:  []string{"pre_consecutivo", "total"},
		Sort:    []SortSpec{{Field: "fechadevolucion", Direction: "desc"}},
		Limit:   25,
	}
	summary, records, err := client.Execute(context.Background(), q)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if got := gotQuery["maxRecords"]; len(got) != 1 || got[0] != "25" {
		t.Errorf("maxRecords = %v", got)
	}
	if got := gotQuery["filterByFormula"]; len(got) != 1 || !strings.HasPrefix(got[0], "AND(") {
		t.Errorf("filterByFormula = %v", got)
	}
	if got := gotQuery["fields[]"]; len(got) != 2 {
		t.Errorf("fields[] = %v", got)
	}
	if got := gotQuery["sort[0][field]"]; len(got) != 1 || got[0] != "fechadevolucion" {
		t.Errorf("sort[0][field] = %v", got)
	}
	if got := gotQuery["sort[0][direction]"]; len(got) != 1 || got[0] != "desc" {
		t.Errorf("sort[0][direction] = %v", got)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record, got %d", len(records))
	}
	if !strings.Contains(summary, "Encontré 1 certificado de recolección") {
		t.Errorf("summary = %q", summary)
	}
}

func TestExecutePluralSummary(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[{"id":"r1","fields":{}},{"id":"r2","fields":{}}]}`))
	})

	summary, _, err := client.Execute(context.Background(), QueryIntent{Table: TableKardex})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(summary, "Encontré 2 registros de movimientos") {
		t.Errorf("summary = %q", summary)
	}
}

func TestFormatRecordsSummary(t *testing.T) {
	records := []Record{
		{ID: "r1", Fields: map[string]any{
			"pre_consecutivo":   "CERT-001",
			"nombrecoordinador": "Ana",
			"total":             42.5,
		}},
	}

	out := FormatRecords(records, TableCertificados, FormatSummary)

	if !strings.Contains(out, "CERT-001") || !strings.Contains(out, "Ana") {
		t.Errorf("unexpected summary output: %q", out)
	}
}

func TestFormatRecordsDetailedKardex(t *testing.T) {
	records := []Record{
		{ID: "r1", Fields: map[string]any{
			"idkardex":       "K-77",
			"TipoMovimiento": "ENTRADA",
		}},
	}

	out := FormatRecords(records, TableKardex, FormatDetailed)

	if !strings.Contains(out, "Movimiento #1") {
		t.Errorf("detailed output missing header: %q", out)
	}
	if !strings.Contains(out, "K-77") || !strings.Contains(out, "ENTRADA") {
		t.Errorf("detailed output missing fields: %q", out)
	}
}

func TestFormatRecordsEmpty(t *testing.T) {
	out := FormatRecords(nil, TableCertificados, FormatSummary)
	if out != "No hay registros para mostrar." {
		t.Errorf("output = %q", out)
	}
}
