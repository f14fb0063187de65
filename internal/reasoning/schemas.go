package reasoning

// Schema names.
const (
	schemaClassification = "classification"
	schemaMulti          = "multi_extraction"
	schemaSingle         = "single_extraction"
	schemaSummary        = "summary"
)

const candidateSchema = `{
	"type": ["object", "null"],
	"properties": {
		"category": {"type": "string"},
		"description": {"type": "string"},
		"title": {"type": "string"},
		"text": {"type": "string"},
		"priority": {"type": "string"},
		"confidence": {"type": "number"}
	},
	"required": ["confidence"]
}`

var outputSchemas = map[string]string{
	schemaClassification: `{
		"type": "object",
		"properties": {
			"intent": {"type": "string", "minLength": 1},
			"confidence": {"type": "number"},
			"reasoning": {"type": "string"}
		},
		"required": ["intent", "confidence"]
	}`,
	schemaMulti: `{
		"type": "object",
		"properties": {
			"activity": ` + candidateSchema + `,
			"note": ` + candidateSchema + `,
			"todo": ` + candidateSchema + `
		}
	}`,
	schemaSingle: `{
		"type": "object",
		"properties": {
			"category": {"type": "string"},
			"title": {"type": "string"},
			"text": {"type": "string", "minLength": 1},
			"priority": {"type": "string", "enum": ["", "low", "medium", "high"]}
		},
		"required": ["text"]
	}`,
	schemaSummary: `{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "minLength": 1},
			"items": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["summary"]
	}`,
}
