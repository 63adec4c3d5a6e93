package campoquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Record is one row returned by the record store.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// QueryExecutor compiles and runs a validated query intent against the
// record store. It returns a user-facing summary, the raw records, and
// a classified error; records and error are never both non-nil. The
// summary never exposes upstream internals.
type QueryExecutor interface {
	Execute(ctx context.Context, q QueryIntent) (summary string, records []Record, err error)
}

// AirtableClient executes query intents against the Airtable REST API.
type AirtableClient struct {
	apiKey     string
	baseID     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAirtableClient creates a record-store client.
func NewAirtableClient(cfg AirtableConfig, logger *slog.Logger) *AirtableClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.airtable.com/v0"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AirtableClient{
		apiKey:     cfg.APIKey,
		baseID:     cfg.BaseID,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type airtableResponse struct {
	Records []Record `json:"records"`
}

type airtableErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Execute runs one record-store query for the given intent. Credentials
// and the target table are validated before any network call.
func (c *AirtableClient) Execute(ctx context.Context, q QueryIntent) (string, []Record, error) {
	if c.apiKey == "" {
		return "Lo siento, hay un problema de configuración en el servidor (falta API key de Airtable).",
			nil, NewConfigError("AIRTABLE_API_KEY no definida", nil)
	}
	if c.baseID == "" {
		return "Lo siento, hay un problema de configuración en el servidor (falta Base ID de Airtable).",
			nil, NewConfigError("AIRTABLE_BASE_ID no definida", nil)
	}
	if q.Table == "" {
		return "No se puede ejecutar la consulta porque no se ha especificado la tabla.",
			nil, NewStateError("table no definida en la consulta", nil)
	}

	params := url.Values{}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	params.Set("maxRecords", fmt.Sprintf("%d", limit))

	if formula := CompileFilterFormula(q.Filters); formula != "" {
		params.Set("filterByFormula", formula)
	}
	for _, field := range q.Fields {
		params.Add("fields[]", field)
	}
	for i, s := range q.Sort {
		direction := s.Direction
		if direction == "" {
			direction = "asc"
		}
		params.Set(fmt.Sprintf("sort[%d][field]", i), s.Field)
		params.Set(fmt.Sprintf("sort[%d][direction]", i), direction)
	}

	reqURL := fmt.Sprintf("%s/%s/%s?%s", c.baseURL, c.baseID, url.PathEscape(string(q.Table)), params.Encode())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "Lo siento, ocurrió un error inesperado al ejecutar la consulta. Por favor, intenta de nuevo.",
			nil, NewAgentError(ErrCodeInternal, "building record store request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("executing record store query",
		"table", q.Table,
		"filters", len(q.Filters),
		"limit", limit,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		message := upstreamErrorMessage(body)
		c.logger.Warn("record store query failed",
			"table", q.Table,
			"status", resp.StatusCode,
		)
		return fmt.Sprintf("Lo siento, hubo un problema al consultar la base de datos (código %d). Por favor, intenta de nuevo más tarde.", resp.StatusCode),
			nil,
			NewAgentError(ErrCodeRemoteQuery, fmt.Sprintf("Airtable API error %d: %s", resp.StatusCode, message), nil)
	}

	var data airtableResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "Lo siento, ocurrió un error inesperado al ejecutar la consulta. Por favor, intenta de nuevo.",
			nil, NewAgentError(ErrCodeInternal, "decoding record store response", err)
	}

	records := data.Records
	if records == nil {
		records = []Record{}
	}

	c.logger.Debug("record store query succeeded",
		"table", q.Table,
		"count", len(records),
	)

	return summarizeResult(q.Table, q.Filters, len(records)), records, nil
}

func (c *AirtableClient) classifyTransportError(err error) (string, []Record, error) {
	var urlErr *url.Error
	timedOut := errors.Is(err, context.DeadlineExceeded)
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		timedOut = true
	}
	if timedOut {
		return "Lo siento, la consulta está tardando demasiado. Por favor, intenta de nuevo o usa filtros más específicos.",
			nil, NewAgentError(ErrCodeTimeout, "timeout al consultar Airtable", err)
	}
	return "Lo siento, no puedo conectarme a la base de datos en este momento. Por favor, verifica tu conexión a internet e intenta de nuevo.",
		nil, NewAgentError(ErrCodeConnection, "error de conexión al consultar Airtable", err)
}

func upstreamErrorMessage(body []byte) string {
	var parsed airtableErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}

// CompileFilterFormula translates the accumulated filters into an
// Airtable filter formula, preserving insertion order. Recognized keys
// expand to their predicate templates; unrecognized keys fall back to
// an exact match on a same-named field. Multiple predicates combine
// with AND; a single predicate is passed unwrapped.
func CompileFilterFormula(filters Filters) string {
	if len(filters) == 0 {
		return ""
	}

	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		value := escapeFormulaValue(f.Value)
		switch f.Key {
		case "fecha_desde":
			parts = append(parts, fmt.Sprintf("IS_AFTER({fechadevolucion}, '%s')", value))
		case "fecha_hasta":
			parts = append(parts, fmt.Sprintf("IS_BEFORE({fechadevolucion}, '%s')", value))
		case "coordinador":
			parts = append(parts, fmt.Sprintf("{nombrecoordinador}='%s'", value))
		case "municipio":
			// Matches either the generating or the returning municipality.
			parts = append(parts, fmt.Sprintf("OR({municipiogenerador}='%s', {municipiodevolucion}='%s')", value, value))
		case "municipio_generador":
			parts = append(parts, fmt.Sprintf("{municipiogenerador}='%s'", value))
		case "municipio_devolucion":
			parts = append(parts, fmt.Sprintf("{municipiodevolucion}='%s'", value))
		default:
			// Generic escape hatch: exact match on a same-named field.
			parts = append(parts, fmt.Sprintf("{%s}='%s'", f.Key, value))
		}
	}

	if len(parts) == 1 {
		return parts[0]
	}
	return fmt.Sprintf("AND(%s)", strings.Join(parts, ", "))
}

func escapeFormulaValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}

// DescribeFilters renders the applied filters as a human-readable
// Spanish fragment. Shared by the zero-result and nonzero-result
// summaries.
func DescribeFilters(filters Filters) string {
	if len(filters) == 0 {
		return ""
	}

	descriptions := make([]string, 0, len(filters))
	for _, f := range filters {
		switch f.Key {
		case "fecha_desde":
			descriptions = append(descriptions, fmt.Sprintf("desde %s", f.Value))
		case "fecha_hasta":
			descriptions = append(descriptions, fmt.Sprintf("hasta %s", f.Value))
		case "coordinador":
			descriptions = append(descriptions, fmt.Sprintf("coordinador %s", f.Value))
		case "municipio":
			descriptions = append(descriptions, fmt.Sprintf("municipio %s", f.Value))
		case "municipio_generador":
			descriptions = append(descriptions, fmt.Sprintf("municipio generador %s", f.Value))
		case "municipio_devolucion":
			descriptions = append(descriptions, fmt.Sprintf("municipio de devolución %s", f.Value))
		default:
			descriptions = append(descriptions, fmt.Sprintf("%s = %s", f.Key, f.Value))
		}
	}
	return strings.Join(descriptions, ", ")
}

func summarizeResult(table Table, filters Filters, count int) string {
	desc := DescribeFilters(filters)

	if count == 0 {
		summary := fmt.Sprintf("No se encontraron registros en %s", table)
		if desc != "" {
			summary += fmt.Sprintf(" con los filtros: %s", desc)
		}
		return summary + "."
	}

	plural := ""
	if count != 1 {
		plural = "s"
	}

	var summary string
	switch table {
	case TableCertificados:
		summary = fmt.Sprintf("Encontré %d certificado%s de recolección", count, plural)
	case TableKardex:
		summary = fmt.Sprintf("Encontré %d registro%s de movimientos", count, plural)
	default:
		summary = fmt.Sprintf("Encontré %d registro%s en %s", count, plural, table)
	}

	if desc != "" {
		cumple := "cumple"
		if count != 1 {
			cumple = "cumplen"
		}
		summary += fmt.Sprintf(" que %s con: %s", cumple, desc)
	}
	return summary + "."
}

// RecordFormat selects how FormatRecords renders records.
type RecordFormat string

const (
	FormatSummary  RecordFormat = "summary"
	FormatDetailed RecordFormat = "detailed"
	FormatJSON     RecordFormat = "json"
)

// FormatRecords renders records in a readable text form for display,
// with table-specific layouts for Certificados and Kardex and a
// generic fallback for anything else.
func FormatRecords(records []Record, table Table, format RecordFormat) string {
	if len(records) == 0 {
		return "No hay registros para mostrar."
	}

	if format == FormatJSON {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return "No se pudieron serializar los registros."
		}
		return string(data)
	}

	var lines []string
	switch table {
	case TableCertificados:
		for i, record := range records {
			f := record.Fields
			if format == FormatSummary {
				lines = append(lines, fmt.Sprintf("%d. %v - Coordinador: %v - Total: %v kg",
					i+1, fieldOr(f, "pre_consecutivo"), fieldOr(f, "nombrecoordinador"), numField(f, "total")))
				continue
			}
			lines = append(lines,
				fmt.Sprintf("\n=== Certificado #%d ===", i+1),
				fmt.Sprintf("Consecutivo: %v", fieldOr(f, "pre_consecutivo")),
				fmt.Sprintf("Fecha devolución: %v", fieldOr(f, "fechadevolucion")),
				fmt.Sprintf("Coordinador: %v", fieldOr(f, "nombrecoordinador")),
				fmt.Sprintf("Municipio generador: %v", fieldOr(f, "municipiogenerador")),
				fmt.Sprintf("Municipio devolución: %v", fieldOr(f, "municipiodevolucion")),
				"Materiales:",
				fmt.Sprintf("  - Rígidos: %v kg", numField(f, "rigidos")),
				fmt.Sprintf("  - Flexibles: %v kg", numField(f, "flexibles")),
				fmt.Sprintf("  - Metálicos: %v kg", numField(f, "metalicos")),
				fmt.Sprintf("  - Embalaje: %v kg", numField(f, "embalaje")),
				fmt.Sprintf("Total: %v kg", numField(f, "total")),
			)
		}
	case TableKardex:
		for i, record := range records {
			f := record.Fields
			if format == FormatSummary {
				lines = append(lines, fmt.Sprintf("%d. %v - %v - Total: %v kg",
					i+1, fieldOr(f, "idkardex"), fieldOr(f, "TipoMovimiento"), numField(f, "Total")))
				continue
			}
			lines = append(lines,
				fmt.Sprintf("\n=== Movimiento #%d ===", i+1),
				fmt.Sprintf("ID Kardex: %v", fieldOr(f, "idkardex")),
				fmt.Sprintf("Fecha: %v", fieldOr(f, "fechakardex")),
				fmt.Sprintf("Tipo movimiento: %v", fieldOr(f, "TipoMovimiento")),
				fmt.Sprintf("Coordinador: %v", fieldOr(f, "Name (from Coordinador)")),
				fmt.Sprintf("Municipio origen: %v", fieldOr(f, "MunicipioOrigen")),
				fmt.Sprintf("Centro de acopio: %v", fieldOr(f, "NombreCentrodeAcopio")),
				fmt.Sprintf("Gestor: %v", fieldOr(f, "nombregestor")),
				"Disposición:",
				fmt.Sprintf("  - Reciclaje: %v kg", numField(f, "Reciclaje")),
				fmt.Sprintf("  - Incineración: %v kg", numField(f, "Incineración")),
				fmt.Sprintf("  - Plástico contaminado: %v kg", numField(f, "PlasticoContaminado")),
				"Materiales:",
				fmt.Sprintf("  - Flexibles: %v kg", numField(f, "Flexibles")),
				fmt.Sprintf("  - Lonas: %v kg", numField(f, "Lonas")),
				fmt.Sprintf("  - Cartón: %v kg", numField(f, "Carton")),
				fmt.Sprintf("  - Metal: %v kg", numField(f, "Metal")),
				fmt.Sprintf("Total: %v kg", numField(f, "Total")),
			)
		}
	default:
		for i, record := range records {
			lines = append(lines, fmt.Sprintf("\n=== Registro #%d ===", i+1))
			for key, value := range record.Fields {
				lines = append(lines, fmt.Sprintf("%s: %v", key, value))
			}
		}
	}

	return strings.Join(lines, "\n")
}

func fieldOr(fields map[string]any, key string) any {
	if v, ok := fields[key]; ok && v != nil && v != "" {
		return v
	}
	return "N/A"
}

func numField(fields map[string]any, key string) any {
	if v, ok := fields[key]; ok && v != nil {
		return v
	}
	return 0
}
