// Package docs registers the management API description with swag. The
// full description is regenerated from handler annotations with
// `swag init -g cmd/management-service/main.go -o cmd/management-service/docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "Duty Assignment Management API",
    "description": "Manage reassignment rules, users, the duty schedule and run history, and trigger runs",
    "version": "1.0"
  },
  "basePath": "/api/v1",
  "schemes": ["http", "https"],
  "tags": [
    {"name": "rules"},
    {"name": "users"},
    {"name": "default-users"},
    {"name": "schedule"},
    {"name": "history"},
    {"name": "runs"}
  ],
  "paths": {
    "/rules": {
      "get": {"tags": ["rules"], "summary": "List assignment rules"},
      "post": {"tags": ["rules"], "summary": "Create an assignment rule"}
    },
    "/rules/changes": {
      "get": {"tags": ["rules"], "summary": "Get recent rule changes"}
    },
    "/rules/{id}": {
      "get": {"tags": ["rules"], "summary": "Get an assignment rule"},
      "put": {"tags": ["rules"], "summary": "Update an assignment rule"},
      "delete": {"tags": ["rules"], "summary": "Delete an assignment rule"}
    },
    "/rules/{id}/users": {
      "get": {"tags": ["rules"], "summary": "List the users of a rule"},
      "post": {"tags": ["rules"], "summary": "Add a user to a rule"}
    },
    "/rules/{id}/users/{user_id}": {
      "delete": {"tags": ["rules"], "summary": "Remove a user from a rule"}
    },
    "/rules/{id}/changes": {
      "get": {"tags": ["rules"], "summary": "Get the change history of a rule"}
    },
    "/users": {
      "get": {"tags": ["users"], "summary": "List users"}
    },
    "/users/sync": {
      "post": {"tags": ["users"], "summary": "Synchronize users from the CRM"}
    },
    "/users/{id}": {
      "get": {"tags": ["users"], "summary": "Get a user"},
      "patch": {"tags": ["users"], "summary": "Activate or deactivate a user"}
    },
    "/default-users": {
      "get": {"tags": ["default-users"], "summary": "List the default rotation"},
      "post": {"tags": ["default-users"], "summary": "Add a user to the default rotation"}
    },
    "/default-users/order": {
      "put": {"tags": ["default-users"], "summary": "Reorder the default rotation"}
    },
    "/default-users/{user_id}": {
      "delete": {"tags": ["default-users"], "summary": "Remove a user from the default rotation"}
    },
    "/schedule": {
      "get": {"tags": ["schedule"], "summary": "Get the duty schedule for a date range"}
    },
    "/schedule/generate": {
      "post": {"tags": ["schedule"], "summary": "Generate a month of duty from the default rotation"}
    },
    "/schedule/{date}": {
      "get": {"tags": ["schedule"], "summary": "Get the duty users for a date"},
      "put": {"tags": ["schedule"], "summary": "Set the duty users for a date"},
      "delete": {"tags": ["schedule"], "summary": "Clear the duty users for a date"}
    },
    "/history": {
      "get": {"tags": ["history"], "summary": "List owner changes"}
    },
    "/history/count": {
      "get": {"tags": ["history"], "summary": "Count owner changes"}
    },
    "/runs/update-now": {
      "post": {"tags": ["runs"], "summary": "Reassign owners for a date now"}
    },
    "/runs/count": {
      "get": {"tags": ["runs"], "summary": "Count the records a run would reassign"}
    },
    "/runs/preview": {
      "get": {"tags": ["runs"], "summary": "List the records a run would reassign"}
    }
  }
}`

func init() {
	swag.Register(swag.Name, &s{})
}

type s struct{}

func (s *s) ReadDoc() string {
	return docTemplate
}
