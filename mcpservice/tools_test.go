package mcpservice

import (
	"context"
	"testing"

	"github.com/azdo-tools/workitems-mcp/mcp"
	"github.com/google/go-cmp/cmp"
)

func TestNewToolSchemaReflection(t *testing.T) {
	type args struct {
		ID      int      `json:"id" jsonschema:"description=The work item id"`
		Project string   `json:"project,omitempty" jsonschema:"description=Optional project"`
		Kinds   []string `json:"kinds,omitempty"`
	}
	tool := NewTool("probe", func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}, WithToolDescription("schema probe"))

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("want object schema, got %q", schema.Type)
	}
	if diff := cmp.Diff([]string{"id"}, schema.Required); diff != "" {
		t.Fatalf("required mismatch (-want +got):\n%s", diff)
	}
	if p, ok := schema.Properties["id"]; !ok || p.Type != "integer" || p.Description != "The work item id" {
		t.Fatalf("unexpected id property: %+v", p)
	}
	if p, ok := schema.Properties["kinds"]; !ok || p.Type != "array" || p.Items == nil || p.Items.Type != "string" {
		t.Fatalf("unexpected kinds property: %+v", p)
	}
	if schema.AdditionalProperties {
		t.Fatalf("strict tools must not allow additional properties")
	}
	if tool.Descriptor.Description != "schema probe" {
		t.Fatalf("unexpected description: %q", tool.Descriptor.Description)
	}
}

func TestNewToolAnonymousArgsStruct(t *testing.T) {
	tool := NewTool("inline", func(ctx context.Context, a struct {
		Text string `json:"text"`
	}) (*mcp.CallToolResult, error) {
		return TextResult(a.Text), nil
	})

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("want object schema, got %q", schema.Type)
	}
	if p, ok := schema.Properties["text"]; !ok || p.Type != "string" {
		t.Fatalf("unexpected text property: %+v", p)
	}

	res, err := tool.Handler(context.Background(), &mcp.CallToolRequestReceived{
		Name:      "inline",
		Arguments: []byte(`{"text":"hi"}`),
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNewToolHandlerErrorBecomesToolError(t *testing.T) {
	tool := NewTool("fails", func(ctx context.Context, a struct{}) (*mcp.CallToolResult, error) {
		return nil, context.DeadlineExceeded
	})
	res, err := tool.Handler(context.Background(), &mcp.CallToolRequestReceived{Name: "fails"})
	if err != nil {
		t.Fatalf("handler errors must not escape: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected isError result, got %+v", res)
	}
}

func TestToolsContainerRegisterReplaces(t *testing.T) {
	c := NewToolsContainer()
	c.Register(NewTool("dup", func(ctx context.Context, a struct{}) (*mcp.CallToolResult, error) {
		return TextResult("one"), nil
	}))
	c.Register(NewTool("dup", func(ctx context.Context, a struct{}) (*mcp.CallToolResult, error) {
		return TextResult("two"), nil
	}))

	tools, next, err := c.ListTools("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 1 || next != "" {
		t.Fatalf("replacement must not duplicate listings: %d tools", len(tools))
	}

	res, err := c.CallTool(context.Background(), &mcp.CallToolRequestReceived{Name: "dup"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Content[0].Text != "two" {
		t.Fatalf("replacement did not take effect: %+v", res)
	}
}

func TestToolsContainerCursorBeyondEnd(t *testing.T) {
	c := NewToolsContainer(NewTool("only", func(ctx context.Context, a struct{}) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}))

	tools, next, err := c.ListTools("5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 0 || next != "" {
		t.Fatalf("out-of-range cursor must yield an empty final page")
	}
}

func TestJSONResult(t *testing.T) {
	res, err := JSONResult(map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("json result: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Type != "text" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
