// Package docs holds the OpenAPI document served at /docs. Regenerate with
// `swag init -g cmd/matchwatch/main.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "Matchwatch"
        },
        "license": {
            "name": "MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "get": {
                "description": "Returns API name, version and status.",
                "produces": ["application/json"],
                "tags": ["meta"],
                "summary": "API root info",
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            }
        },
        "/health": {
            "get": {
                "description": "Returns basic health status and timestamp.",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Health check",
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            }
        },
        "/health/db": {
            "get": {
                "description": "Verifies Postgres connectivity. Always healthy with the memory store.",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Database health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object"}}
                }
            }
        },
        "/webhooks/email": {
            "post": {
                "description": "Verifies the Svix signature, then applies sent, delivered, bounced and complained events. Replays are no-ops. Returns 500 on store errors so the provider retries.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Email provider webhook",
                "parameters": [
                    {"type": "string", "description": "Message id", "name": "svix-id", "in": "header", "required": true},
                    {"type": "string", "description": "Unix seconds", "name": "svix-timestamp", "in": "header", "required": true},
                    {"type": "string", "description": "v1,<base64 signature>", "name": "svix-signature", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/audit": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Keyset-paginated audit entries, newest first. Pass next_before_id back as before_id.",
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Query the audit log",
                "parameters": [
                    {"type": "string", "description": "Subscriber id", "name": "subscriber_id", "in": "query"},
                    {"type": "string", "description": "Entity id", "name": "entity_id", "in": "query"},
                    {"enum": ["queued", "sent", "delivered", "bounced", "complained", "retry_scheduled", "failed"], "type": "string", "description": "Event type", "name": "type", "in": "query"},
                    {"type": "string", "description": "RFC3339 lower bound", "name": "since", "in": "query"},
                    {"type": "string", "description": "RFC3339 upper bound", "name": "until", "in": "query"},
                    {"type": "integer", "description": "Continue after this id", "name": "before_id", "in": "query"},
                    {"type": "integer", "description": "Page size (max 500)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/audit/stats": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Counts per event type since a point in time (RFC3339) or a look-back window such as 24h. Defaults to 24h.",
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Audit statistics",
                "parameters": [
                    {"type": "string", "description": "RFC3339 time or Go duration", "name": "since", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/queue/dead": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Queue items that exhausted their attempts, most recently updated first.",
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "List dead letters",
                "parameters": [
                    {"type": "integer", "description": "Maximum items (default 100)", "name": "limit", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}
            }
        },
        "/api/v1/queue/{id}/requeue": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Resets attempts and schedules the item now. Only dead or failed items can be requeued.",
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Requeue a queue item",
                "parameters": [
                    {"type": "string", "description": "Queue item id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.QueueItemJSON"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        },
        "/api/v1/suppressions/{address}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Get a suppression entry",
                "parameters": [
                    {"type": "string", "description": "Email address", "name": "address", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "description": "Manual override: the address becomes sendable again. Blocks on (subscriber, entity) pairs are kept.",
                "tags": ["admin"],
                "summary": "Remove a suppression entry",
                "parameters": [
                    {"type": "string", "description": "Email address", "name": "address", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/respond.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handler.QueueItemJSON": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "subscriber_id": {"type": "string"},
                "entity_id": {"type": "string"},
                "recipient": {"type": "string"},
                "kind": {"type": "string"},
                "subject": {"type": "string"},
                "priority": {"type": "integer"},
                "attempts": {"type": "integer"},
                "max_attempts": {"type": "integer"},
                "status": {"type": "string"},
                "scheduled_at": {"type": "string"},
                "last_error": {"type": "string"},
                "provider_message_id": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "respond.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {
                    "type": "object",
                    "properties": {
                        "code": {"type": "string"},
                        "message": {"type": "string"},
                        "detail": {"type": "string"}
                    }
                }
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:8000",
	BasePath:         "/",
	Schemes:          []string{"http", "https"},
	Title:            "Matchwatch API",
	Description:      "Delivery pipeline for Chess.com activity alerts: provider webhooks and operator endpoints for the audit log, dead letters and the suppression list.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
