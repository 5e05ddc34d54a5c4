package api

import (
	"sort"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the job API. The
// plugin field of a submission is constrained to the discovered plugins.
func buildOpenAPIDoc(plugins []string, secured bool) map[string]any {
	names := append([]string(nil), plugins...)
	sort.Strings(names)

	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "plugbox",
			"version": "1.0",
		},
		"paths":      jobPaths(names, secured),
		"components": map[string]any{"schemas": schemas()},
	}
	if secured {
		doc["components"].(map[string]any)["securitySchemes"] = map[string]any{
			"BearerAuth": map[string]any{
				"type":   "http",
				"scheme": "bearer",
			},
		}
	}
	return doc
}

func jobPaths(plugins []string, secured bool) map[string]any {
	pluginSchema := map[string]any{"type": "string"}
	if len(plugins) > 0 {
		pluginSchema["enum"] = plugins
	}

	op := func(id, summary string, responses map[string]any) map[string]any {
		o := map[string]any{
			"operationId": id,
			"summary":     summary,
			"tags":        []string{"jobs"},
			"responses":   responses,
		}
		if secured {
			o["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		return o
	}
	jobIDParam := []any{map[string]any{
		"name":     "jobID",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}}

	submit := op("submitJob", "Queue a plugin run", map[string]any{
		"202": jsonResponse("Job queued", "SubmitResponse"),
		"400": map[string]any{"description": "Bad request"},
		"404": map[string]any{"description": "Unknown plugin"},
	})
	submit["requestBody"] = map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{
					"type":     "object",
					"required": []string{"plugin"},
					"properties": map[string]any{
						"plugin": pluginSchema,
						"args":   map[string]any{"type": "array"},
					},
				},
			},
		},
	}

	getJob := op("getJob", "Job record", map[string]any{
		"200": jsonResponse("Job", "Job"),
		"404": map[string]any{"description": "Job not found"},
	})
	getJob["parameters"] = jobIDParam

	traceJob := op("traceJob", "Stream job logs and status events", map[string]any{
		"200": map[string]any{
			"description": "Server-Sent Events: log, job_status, then done",
			"content":     map[string]any{"text/event-stream": map[string]any{}},
		},
		"404": map[string]any{"description": "Job not found"},
	})
	traceJob["parameters"] = jobIDParam

	return map[string]any{
		"/jobs": map[string]any{
			"post": submit,
			"get":  op("listJobs", "Recent jobs, newest first", map[string]any{"200": map[string]any{"description": "Jobs"}}),
		},
		"/jobs/{jobID}":       map[string]any{"get": getJob},
		"/jobs/{jobID}/trace": map[string]any{"get": traceJob},
	}
}

func jsonResponse(description, schema string) map[string]any {
	return map[string]any{
		"description": description,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/" + schema},
			},
		},
	}
}

func schemas() map[string]any {
	str := map[string]any{"type": "string"}
	return map[string]any{
		"SubmitResponse": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"job_id": str,
				"status": str,
				"plugin": str,
				"trace":  str,
			},
		},
		"Job": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"job_id":       str,
				"plugin":       str,
				"args":         map[string]any{"type": "array"},
				"status":       map[string]any{"type": "string", "enum": []string{"queued", "running", "succeeded", "failed", "timed_out"}},
				"submitted_by": str,
				"created_at":   map[string]any{"type": "string", "format": "date-time"},
				"started_at":   map[string]any{"type": "string", "format": "date-time"},
				"completed_at": map[string]any{"type": "string", "format": "date-time"},
				"worker_pid":   map[string]any{"type": "integer"},
				"result":       map[string]any{},
				"last_error":   str,
			},
		},
	}
}
