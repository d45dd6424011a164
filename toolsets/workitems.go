// Package toolsets wires the Azure DevOps work item operations into MCP
// tools. Each tool decodes a typed argument struct, forwards the
// caller's Authorization header to Azure DevOps when one is present, and
// renders the API response as indented JSON text content.
package toolsets

import (
	"context"
	"fmt"
	"strings"

	"github.com/azdo-tools/workitems-mcp/azdo"
	"github.com/azdo-tools/workitems-mcp/mcp"
	"github.com/azdo-tools/workitems-mcp/mcpservice"
)

// WorkItems registers the work item tracking toolset on tc. project is
// the default Azure DevOps project used when a tool call omits one.
func WorkItems(tc *mcpservice.ToolsContainer, client *azdo.Client, project string) {
	ts := &workItemTools{client: client, defaultProject: project}

	tc.Register(mcpservice.NewTool("wit_get_work_item", ts.getWorkItem,
		mcpservice.WithToolDescription("Get a single work item by ID, including its fields and optionally its relations.")))
	tc.Register(mcpservice.NewTool("wit_get_work_items_batch_by_ids", ts.getWorkItemsBatch,
		mcpservice.WithToolDescription("Get up to 200 work items in one call, optionally trimmed to specific fields.")))
	tc.Register(mcpservice.NewTool("wit_create_work_item", ts.createWorkItem,
		mcpservice.WithToolDescription("Create a work item of a given type (e.g. Bug, Task, User Story) with field values.")))
	tc.Register(mcpservice.NewTool("wit_update_work_item", ts.updateWorkItem,
		mcpservice.WithToolDescription("Update fields on an existing work item.")))
	tc.Register(mcpservice.NewTool("wit_add_work_item_comment", ts.addComment,
		mcpservice.WithToolDescription("Add a discussion comment to a work item.")))
	tc.Register(mcpservice.NewTool("wit_list_work_item_comments", ts.listComments,
		mcpservice.WithToolDescription("List the discussion comments on a work item, newest first.")))
	tc.Register(mcpservice.NewTool("wit_run_query", ts.runQuery,
		mcpservice.WithToolDescription("Run a WIQL query and return matching work item references.")))
	tc.Register(mcpservice.NewTool("wit_get_query_results_by_id", ts.queryByID,
		mcpservice.WithToolDescription("Run a saved query by its GUID and return matching work item references.")))
	tc.Register(mcpservice.NewTool("wit_my_work_items", ts.myWorkItems,
		mcpservice.WithToolDescription("List work items relevant to the calling identity: assigned to me, followed, or my activity.")))
	tc.Register(mcpservice.NewTool("wit_work_items_link", ts.linkWorkItems,
		mcpservice.WithToolDescription("Link two work items with a relation such as parent, child, or related.")))
}

type workItemTools struct {
	client         *azdo.Client
	defaultProject string
}

// callContext forwards the MCP caller's Authorization header, when one
// was sent, so the Azure DevOps call runs as the caller rather than as
// the server's own credential.
func (ts *workItemTools) callContext(ctx context.Context) context.Context {
	if extra, ok := mcpservice.CallerFromContext(ctx); ok && extra.Authorization != "" {
		return azdo.WithAuthorization(ctx, extra.Authorization)
	}
	return ctx
}

func (ts *workItemTools) project(p string) (string, error) {
	if p != "" {
		return p, nil
	}
	if ts.defaultProject == "" {
		return "", fmt.Errorf("no project given and no default project configured")
	}
	return ts.defaultProject, nil
}

type getWorkItemArgs struct {
	ID      int    `json:"id" jsonschema:"description=The ID of the work item"`
	Project string `json:"project,omitempty" jsonschema:"description=The project containing the work item; defaults to the configured project"`
	Expand  string `json:"expand,omitempty" jsonschema:"description=Expand options: none, relations, fields, links, or all,enum=none,enum=relations,enum=fields,enum=links,enum=all"`
}

func (ts *workItemTools) getWorkItem(ctx context.Context, args getWorkItemArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	wi, err := ts.client.GetWorkItem(ts.callContext(ctx), project, args.ID, args.Expand)
	if azdo.IsNotFound(err) {
		return mcpservice.Errorf("work item %d not found in project %q", args.ID, project), nil
	}
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(wi)
}

type getWorkItemsBatchArgs struct {
	IDs     []int    `json:"ids" jsonschema:"description=The IDs of the work items to fetch (max 200)"`
	Project string   `json:"project,omitempty" jsonschema:"description=The project containing the work items; defaults to the configured project"`
	Fields  []string `json:"fields,omitempty" jsonschema:"description=Field reference names to include (e.g. System.Title); all fields when omitted"`
}

func (ts *workItemTools) getWorkItemsBatch(ctx context.Context, args getWorkItemsBatchArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	items, err := ts.client.GetWorkItemsBatch(ts.callContext(ctx), project, args.IDs, args.Fields)
	if err != nil {
		return nil, err
	}
	if pr, ok := mcpservice.ProgressReporterFromContext(ctx); ok {
		_ = pr.Report(ctx, float64(len(items)), float64(len(args.IDs)))
	}
	return mcpservice.JSONResult(items)
}

type createWorkItemArgs struct {
	Type    string            `json:"type" jsonschema:"description=The work item type, e.g. Bug, Task, User Story"`
	Title   string            `json:"title" jsonschema:"description=The title of the new work item"`
	Project string            `json:"project,omitempty" jsonschema:"description=The project to create the work item in; defaults to the configured project"`
	Fields  map[string]string `json:"fields,omitempty" jsonschema:"description=Additional fields keyed by reference name, e.g. System.Description or Microsoft.VSTS.Common.Priority"`
}

func (ts *workItemTools) createWorkItem(ctx context.Context, args createWorkItemArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Title) == "" {
		return mcpservice.Errorf("a non-empty title is required"), nil
	}

	ops := []azdo.PatchOperation{azdo.SetFieldOp("System.Title", args.Title)}
	for field, value := range args.Fields {
		if field == "System.Title" {
			continue
		}
		ops = append(ops, azdo.SetFieldOp(field, value))
	}

	wi, err := ts.client.CreateWorkItem(ts.callContext(ctx), project, args.Type, ops)
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(wi)
}

type updateWorkItemArgs struct {
	ID      int               `json:"id" jsonschema:"description=The ID of the work item to update"`
	Project string            `json:"project,omitempty" jsonschema:"description=The project containing the work item; defaults to the configured project"`
	Fields  map[string]string `json:"fields" jsonschema:"description=Fields to set, keyed by reference name, e.g. System.State or System.AssignedTo"`
}

func (ts *workItemTools) updateWorkItem(ctx context.Context, args updateWorkItemArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	if len(args.Fields) == 0 {
		return mcpservice.Errorf("at least one field to update is required"), nil
	}

	ops := make([]azdo.PatchOperation, 0, len(args.Fields))
	for field, value := range args.Fields {
		ops = append(ops, azdo.SetFieldOp(field, value))
	}

	wi, err := ts.client.UpdateWorkItem(ts.callContext(ctx), project, args.ID, ops)
	if azdo.IsNotFound(err) {
		return mcpservice.Errorf("work item %d not found in project %q", args.ID, project), nil
	}
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(wi)
}

type addCommentArgs struct {
	ID      int    `json:"id" jsonschema:"description=The ID of the work item to comment on"`
	Text    string `json:"text" jsonschema:"description=The comment text; may contain HTML"`
	Project string `json:"project,omitempty" jsonschema:"description=The project containing the work item; defaults to the configured project"`
}

func (ts *workItemTools) addComment(ctx context.Context, args addCommentArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	comment, err := ts.client.AddComment(ts.callContext(ctx), project, args.ID, args.Text)
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(comment)
}

type listCommentsArgs struct {
	ID      int    `json:"id" jsonschema:"description=The ID of the work item"`
	Project string `json:"project,omitempty" jsonschema:"description=The project containing the work item; defaults to the configured project"`
	Top     int    `json:"top,omitempty" jsonschema:"description=Maximum number of comments to return"`
}

func (ts *workItemTools) listComments(ctx context.Context, args listCommentsArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	comments, err := ts.client.ListComments(ts.callContext(ctx), project, args.ID, args.Top)
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(comments)
}

type runQueryArgs struct {
	WIQL    string `json:"wiql" jsonschema:"description=The WIQL query text, e.g. SELECT [System.Id] FROM WorkItems WHERE [System.State] = 'Active'"`
	Project string `json:"project,omitempty" jsonschema:"description=The project to scope the query to; defaults to the configured project"`
	Top     int    `json:"top,omitempty" jsonschema:"description=Maximum number of results to return"`
}

func (ts *workItemTools) runQuery(ctx context.Context, args runQueryArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	res, err := ts.client.QueryWIQL(ts.callContext(ctx), project, args.WIQL, args.Top)
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(res)
}

type queryByIDArgs struct {
	QueryID string `json:"queryId" jsonschema:"description=The GUID of the saved query"`
	Project string `json:"project,omitempty" jsonschema:"description=The project containing the query; defaults to the configured project"`
	Top     int    `json:"top,omitempty" jsonschema:"description=Maximum number of results to return"`
}

func (ts *workItemTools) queryByID(ctx context.Context, args queryByIDArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.QueryID) == "" {
		return mcpservice.Errorf("a query id is required"), nil
	}
	res, err := ts.client.QueryByID(ts.callContext(ctx), project, args.QueryID, args.Top)
	if azdo.IsNotFound(err) {
		return mcpservice.Errorf("query %q not found in project %q", args.QueryID, project), nil
	}
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(res)
}

type myWorkItemsArgs struct {
	Type    string `json:"type,omitempty" jsonschema:"description=Which predefined query to run,enum=assignedtome,enum=followedworkitems,enum=myactivity"`
	Project string `json:"project,omitempty" jsonschema:"description=The project to scope to; defaults to the configured project"`
	Top     int    `json:"top,omitempty" jsonschema:"description=Maximum number of results to return"`
}

func (ts *workItemTools) myWorkItems(ctx context.Context, args myWorkItemsArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	queryName := args.Type
	if queryName == "" {
		queryName = azdo.PredefinedAssignedToMe
	}
	res, err := ts.client.MyWorkItems(ts.callContext(ctx), project, queryName, args.Top)
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(res)
}

// relationNames maps the friendly link types tools accept to the
// relation reference names the API expects.
var relationNames = map[string]string{
	"parent":      "System.LinkTypes.Hierarchy-Reverse",
	"child":       "System.LinkTypes.Hierarchy-Forward",
	"related":     "System.LinkTypes.Related",
	"duplicate":   "System.LinkTypes.Duplicate-Forward",
	"successor":   "System.LinkTypes.Dependency-Forward",
	"predecessor": "System.LinkTypes.Dependency-Reverse",
}

type linkWorkItemsArgs struct {
	SourceID int    `json:"sourceId" jsonschema:"description=The ID of the work item the link is added to"`
	TargetID int    `json:"targetId" jsonschema:"description=The ID of the work item being linked"`
	Type     string `json:"type,omitempty" jsonschema:"description=The link type,enum=parent,enum=child,enum=related,enum=duplicate,enum=successor,enum=predecessor"`
	Project  string `json:"project,omitempty" jsonschema:"description=The project containing the source work item; defaults to the configured project"`
	Comment  string `json:"comment,omitempty" jsonschema:"description=An optional comment stored on the link"`
}

func (ts *workItemTools) linkWorkItems(ctx context.Context, args linkWorkItemsArgs) (*mcp.CallToolResult, error) {
	project, err := ts.project(args.Project)
	if err != nil {
		return nil, err
	}
	linkType := args.Type
	if linkType == "" {
		linkType = "related"
	}
	relation, ok := relationNames[linkType]
	if !ok {
		return mcpservice.Errorf("unknown link type %q", linkType), nil
	}
	wi, err := ts.client.LinkWorkItems(ts.callContext(ctx), project, args.SourceID, args.TargetID, relation, args.Comment)
	if err != nil {
		return nil, err
	}
	return mcpservice.JSONResult(wi)
}
