package campoquery

// Tool names offered to the model each turn.
const (
	toolUpdateQueryState = "update_query_state"
	toolExecuteQuery     = "execute_airtable_query"
	toolReportIssue      = "report_issue"
)

// defaultSystemPrompt instructs the model on the four required
// behaviors: ask for missing info, reject impossible requests with
// alternatives, confirm completeness and apply corrections.
const defaultSystemPrompt = `Eres un asistente que ayuda a construir consultas a la base de datos de Campolimpio.

Tablas disponibles:
- Certificados: certificados de recolección (pre_consecutivo, fechadevolucion, nombrecoordinador, municipiogenerador, municipiodevolucion, rigidos, flexibles, metalicos, embalaje, total, observaciones)
- Kardex: movimientos de inventario (idkardex, fechakardex, TipoMovimiento, MunicipioOrigen, NombreCentrodeAcopio, nombregestor, Reciclaje, Incineración, PlasticoContaminado, Flexibles, Lonas, Carton, Metal, Total)

COMPORTAMIENTO EN CADA TURNO:
1. Si falta información (periodo, coordinador, municipio, etc.), pregunta al usuario exactamente lo que necesitas.
2. Si la petición es imposible con los datos disponibles, recházala explicando por qué y sugiere alternativas.
3. Cuando tengas toda la información, confirma con el usuario antes de ejecutar.
4. Si el usuario corrige un dato ya dado, aplica la corrección sobre la consulta acumulada.

Usa las funciones disponibles para:
1. Actualizar el estado de la consulta (update_query_state)
2. Ejecutar la consulta cuando esté lista (execute_airtable_query)
3. Reportar problemas (report_issue)

Sé claro y conciso. Pregunta solo lo necesario.`

// queryTools returns the three callable operations the dialogue engine
// offers to the model: update accumulated query state, execute the
// current query (gated on an explicit confirm flag) and report an
// issue.
func queryTools() []LLMTool {
	return []LLMTool{
		{
			Name: toolUpdateQueryState,
			Description: `Actualiza el estado de la consulta cuando identificas parámetros suficientes del usuario.

Llama esta función cuando:
- Identifiques la tabla a consultar (Certificados o Kardex)
- El usuario especifique filtros (coordinador, fecha, municipio, etc.)
- Determines el tipo de consulta (listado detallado, consolidado, ranking)
- Tengas TODA la información necesaria para ejecutar (marca ready_to_execute=true)

IMPORTANTE: Solo marca ready_to_execute=true cuando tengas:
1. Tabla definida
2. Al menos UN filtro significativo O sea un query agregado (consolidado/ranking)
3. El usuario haya confirmado o dado toda la información`,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"table": map[string]any{
						"type":        "string",
						"enum":        []string{"Certificados", "Kardex"},
						"description": "Tabla de Airtable a consultar",
					},
					"query_type": map[string]any{
						"type":        "string",
						"enum":        []string{"listado_detallado", "consolidado", "ranking", "analisis"},
						"description": "Tipo de consulta que el usuario quiere",
					},
					"filters": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"coordinador": map[string]any{
								"type":        "string",
								"description": "Nombre del coordinador a filtrar",
							},
							"fecha_desde": map[string]any{
								"type":        "string",
								"pattern":     `^\d{4}-\d{2}-\d{2}$`,
								"description": "Fecha inicio en formato YYYY-MM-DD",
							},
							"fecha_hasta": map[string]any{
								"type":        "string",
								"pattern":     `^\d{4}-\d{2}-\d{2}$`,
								"description": "Fecha fin en formato YYYY-MM-DD",
							},
							"municipio": map[string]any{
								"type":        "string",
								"description": "Municipio a filtrar",
							},
							"municipio_generador": map[string]any{
								"type":        "string",
								"description": "Municipio generador (Certificados)",
							},
							"municipio_devolucion": map[string]any{
								"type":        "string",
								"description": "Municipio devolución (Certificados)",
							},
							"tipo_movimiento": map[string]any{
								"type":        "string",
								"enum":        []string{"ENTRADA", "SALIDA", "TRANSFERENCIA"},
								"description": "Tipo de movimiento (Kardex)",
							},
						},
						"description": "Filtros a aplicar en la consulta",
					},
					"ready_to_execute": map[string]any{
						"type":        "boolean",
						"description": "True solo cuando tengas TODA la información necesaria y el usuario haya confirmado",
					},
				},
				"required": []string{"table"},
			},
		},
		{
			Name: toolExecuteQuery,
			Description: `Ejecuta la consulta en Airtable con los parámetros del estado actual.

Llama esta función SOLO cuando:
- El estado de la consulta esté marcado como ready_to_execute=true
- El usuario haya dado confirmación final
- Tengas todos los parámetros necesarios

Esta función ejecutará la consulta real y retornará los resultados de Airtable.`,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirm": map[string]any{
						"type":        "boolean",
						"description": "Confirmación de que se debe ejecutar ahora",
					},
				},
				"required": []string{"confirm"},
			},
		},
		{
			Name: toolReportIssue,
			Description: `Registra un problema o ambigüedad en la solicitud del usuario.

Usa esta función cuando:
- Falte información crítica
- El usuario pida algo imposible con los datos disponibles
- Haya ambigüedad que requiera clarificación`,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"issue_type": map[string]any{
						"type":        "string",
						"enum":        []string{"missing_filter", "ambiguous_term", "invalid_field", "impossible_request"},
						"description": "Tipo de problema detectado",
					},
					"field": map[string]any{
						"type":        "string",
						"description": "Campo relacionado con el problema (si aplica)",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "Descripción del problema para el log",
					},
				},
				"required": []string{"issue_type", "message"},
			},
		},
	}
}
