package main

import (
	"fmt"
	"time"

	"github.com/ocivoice/agent-plugins/internal/agent"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

// demoTools registers a small set of sample tools so the driver can
// exercise the full tool-call path without any external systems.
func demoTools() *agent.ToolRegistry {
	registry := agent.NewToolRegistry()

	employees := map[int]string{
		17: "Ravi Iyer",
		23: "Dana Whitfield",
		42: "Mei-Ling Chen",
	}

	registry.Register(voice.ToolDefinition{
		Name:        "get_employee_name_from_employee_id",
		Description: "Returns the name of the employee with the given numeric employee id.",
		Parameters: []voice.ToolParam{
			{Name: "employee_id", Type: "number", Description: "The employee's numeric id."},
		},
	}, func(args map[string]interface{}) (string, error) {
		id, ok := args["employee_id"].(float64)
		if !ok {
			return "", fmt.Errorf("employee_id must be a number, got %v", args["employee_id"])
		}
		name, ok := employees[int(id)]
		if !ok {
			return fmt.Sprintf("no employee with id %d", int(id)), nil
		}
		return name, nil
	})

	registry.Register(voice.ToolDefinition{
		Name:        "get_current_time",
		Description: "Returns the current local time.",
	}, func(args map[string]interface{}) (string, error) {
		return time.Now().Format("3:04 PM"), nil
	})

	return registry
}
